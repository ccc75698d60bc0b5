package model

// Role identifies one of the two human participants.
type Role string

const (
	RoleGoddess Role = "Goddess"
	RoleSlave   Role = "slave"
)

// Roles lists every human role, in declaration order.
var Roles = []Role{RoleGoddess, RoleSlave}

func ValidRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// DisplayName is the full in-world name used when building generation
// context for a persona.
func (r Role) DisplayName() string {
	switch r {
	case RoleGoddess:
		return "Goddess Batoul"
	case RoleSlave:
		return "Slave Hasan"
	default:
		return string(r)
	}
}

// MessageKind discriminates chat timeline entries.
type MessageKind string

const (
	KindMessage    MessageKind = "message"
	KindAction     MessageKind = "action"
	KindRankChange MessageKind = "rank-change"
	KindPersona    MessageKind = "ai"
)

func ValidKind(k MessageKind) bool {
	switch k {
	case KindMessage, KindAction, KindRankChange, KindPersona:
		return true
	}
	return false
}

// RankChange accompanies a rank-change message.
type RankChange struct {
	OldRank string `json:"oldRank"`
	NewRank string `json:"newRank"`
}

// ChatMessage is one immutable event in the conversation timeline.
// Author is a Role or a persona name. Timestamp is wall-clock
// milliseconds assigned by the relay on acceptance; together with
// arrival order it defines the single total order used for replay.
type ChatMessage struct {
	ID         string      `json:"id"`
	Author     string      `json:"player"`
	Content    string      `json:"content"`
	Timestamp  int64       `json:"timestamp"`
	Kind       MessageKind `json:"type"`
	RankChange *RankChange `json:"rankChange,omitempty"`
}
