package model

import "time"

type Project struct {
	ID        int64  `json:"id"`
	CreatorID int64  `json:"creator_id"`
	Title     string `json:"title"`

	AcceptsDonations bool `json:"accepts_donations"`

	// Accumulators maintained by callback processing, not recomputed on read.
	// current_amount is the sum of net_amount over currently-SUCCESS donations.
	CurrentAmount int64 `json:"current_amount"`
	BackerCount   int64 `json:"backer_count"`

	RewardTiers []*RewardTier `json:"reward_tiers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Project) TableName() string { return "projects" }

type RewardTier struct {
	ID            int64 `json:"id"`
	ProjectID     int64 `json:"project_id"`
	MinimumAmount int64 `json:"minimum_amount"`
	RewardValue   int64 `json:"reward_value"`
	// MaxBackers == 0 means unlimited.
	MaxBackers     int64 `json:"max_backers"`
	CurrentBackers int64 `json:"current_backers"`
}

func (RewardTier) TableName() string { return "reward_tiers" }

func (t *RewardTier) IsFull() bool {
	return t.MaxBackers > 0 && t.CurrentBackers >= t.MaxBackers
}

// ProjectBalance is the read-time aggregation backing withdrawal checks.
type ProjectBalance struct {
	ProjectID        int64 `json:"project_id"`
	TotalRaised      int64 `json:"total_raised"`
	TotalNetAmount   int64 `json:"total_net_amount"`
	AlreadyRequested int64 `json:"already_requested"`
	AvailableAmount  int64 `json:"available_amount"`
}
