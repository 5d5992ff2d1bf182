// Package domain defines the grace-period sweep contract.
package domain

import "context"

// SweepResult summarizes one grace-period pass.
type SweepResult struct {
	Examined int `json:"examined"`
	Canceled int `json:"canceled"`
}

// Service cancels subscriptions whose grace period has lapsed.
type Service interface {
	Sweep(ctx context.Context, batchSize int) (SweepResult, error)
}
