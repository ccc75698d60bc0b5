package model

type Rank struct {
	Rank      string `json:"rank"`
	UpdatedAt int64  `json:"updatedAt"`
}

type RankUpdateRequest struct {
	Rank string `json:"rank"`
}
