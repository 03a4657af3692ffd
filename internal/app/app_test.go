package app

import (
	"testing"
	"time"

	"energy-harvester/internal/domain/harvest"
	"energy-harvester/internal/infra/config"
	"energy-harvester/internal/infra/throttle"
)

func TestNewPacerSplitsPoliciesByOperation(t *testing.T) {
	t.Parallel()

	env := config.EnvConfig{
		QueryInterval:   throttle.Range(time.Second, 1500*time.Millisecond),
		CollectInterval: throttle.Fixed(200 * time.Millisecond),
		RankingInterval: throttle.Fixed(300 * time.Millisecond),
		FillInterval:    throttle.Fixed(500 * time.Millisecond),
	}
	p := newPacer(env)

	tests := []struct {
		op   string
		want throttle.Policy
	}{
		{op: harvest.OpListResource, want: env.QueryInterval},
		{op: harvest.OpCollect, want: env.CollectInterval},
		{op: harvest.OpBatchCollect, want: env.CollectInterval},
		{op: harvest.OpGrant, want: env.CollectInterval},
		{op: harvest.OpRanking, want: env.RankingInterval},
		{op: harvest.OpFillRanking, want: env.FillInterval},
		{op: "unknown", want: env.CollectInterval},
	}
	for _, tt := range tests {
		if got := p.Policy(tt.op); got != tt.want {
			t.Errorf("policy(%s) = %s, want %s", tt.op, got, tt.want)
		}
	}
}

func TestGrantTiersSortedDescending(t *testing.T) {
	t.Parallel()

	tiers := grantTiers(map[int]int64{10: 50, 33: 300, 18: 150})
	want := []int{33, 18, 10}
	if len(tiers) != len(want) {
		t.Fatalf("tiers = %v", tiers)
	}
	for i, tier := range tiers {
		if tier.Count != want[i] {
			t.Fatalf("tiers[%d] = %d, want %d", i, tier.Count, want[i])
		}
	}
}
