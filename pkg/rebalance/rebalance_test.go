package rebalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
)

func addr(hostPort string) address.Address {
	a, err := address.Parse(hostPort)
	if err != nil {
		panic(err)
	}
	return a
}

func TestOrderByAgeIsDeterministic(t *testing.T) {
	members := []MemberAge{
		{Addr: addr("10.0.0.2:9000"), CreatedAt: 200},
		{Addr: addr("10.0.0.1:9000"), CreatedAt: 100},
		{Addr: addr("10.0.0.3:9000"), CreatedAt: 100}, // tie, breaks on address string
	}
	key := partitionkey.New([]byte("k"))

	first := OrderByAge(key, members)
	second := OrderByAge(key, members)
	assert.Equal(t, first, second)
	assert.Equal(t, []address.Address{addr("10.0.0.1:9000"), addr("10.0.0.3:9000"), addr("10.0.0.2:9000")}, first)
}

func TestComputeAssignsOnlyFromMemberSet(t *testing.T) {
	members := []address.Address{addr("10.0.0.1:9000"), addr("10.0.0.2:9000"), addr("10.0.0.3:9000")}
	key := partitionkey.New([]byte("k1"))
	plan := Plan{
		Members: members,
		Resolve: address.NoopResolver,
		Partitions: map[partitionkey.Key]PartitionState{
			key: {Required: 2, Current: nil},
		},
	}

	result := Compute(plan)
	assigned := result[key]
	require.Len(t, assigned, 2)
	for _, a := range assigned {
		assert.Contains(t, members, a)
	}
}

func TestComputeHonorsMinRequiredCandidates(t *testing.T) {
	members := []address.Address{addr("10.0.0.1:9000")}
	key := partitionkey.New([]byte("k1"))
	plan := Plan{
		Members: members,
		Resolve: address.NoopResolver,
		Partitions: map[partitionkey.Key]PartitionState{
			key: {Required: 3, Current: nil},
		},
	}

	result := Compute(plan)
	assert.Len(t, result[key], 1, "fewer candidates than required must not crash or fabricate members")
}

func TestComputeIsIdempotent(t *testing.T) {
	members := []address.Address{
		addr("10.0.0.1:9000"), addr("10.0.0.2:9000"), addr("10.0.0.3:9000"),
		addr("10.0.0.4:9000"), addr("10.0.0.5:9000"),
	}
	k1 := partitionkey.New([]byte("k1"))
	k2 := partitionkey.New([]byte("k2"))
	k3 := partitionkey.New([]byte("k3"))

	plan := Plan{
		Members: members,
		Resolve: address.NoopResolver,
		Partitions: map[partitionkey.Key]PartitionState{
			k1: {Required: 2},
			k2: {Required: 2},
			k3: {Required: 1},
		},
	}

	first := Compute(plan)

	plan2 := Plan{
		Members: members,
		Resolve: address.NoopResolver,
		Partitions: map[partitionkey.Key]PartitionState{
			k1: {Required: 2, Current: first[k1]},
			k2: {Required: 2, Current: first[k2]},
			k3: {Required: 1, Current: first[k3]},
		},
	}
	second := Compute(plan2)

	assert.Equal(t, first, second)
}

func TestComputePrefersDataCenterDiversity(t *testing.T) {
	dcTable := map[string]string{
		"10.0.0.1": "dc-a",
		"10.0.0.2": "dc-a",
		"10.0.0.3": "dc-b",
	}
	members := []address.Address{addr("10.0.0.1:9000"), addr("10.0.0.2:9000"), addr("10.0.0.3:9000")}
	key := partitionkey.New([]byte("k1"))
	plan := Plan{
		Members: members,
		Resolve: address.StaticResolver(dcTable),
		Partitions: map[partitionkey.Key]PartitionState{
			key: {Required: 2, Current: []address.Address{addr("10.0.0.1:9000")}},
		},
	}

	result := Compute(plan)
	assigned := result[key]
	require.Len(t, assigned, 2)
	assert.Contains(t, assigned, addr("10.0.0.3:9000"), "second replica should come from the undiversified data center")
}

func TestComputeShrinksToRequiredSize(t *testing.T) {
	members := []address.Address{addr("10.0.0.1:9000"), addr("10.0.0.2:9000"), addr("10.0.0.3:9000")}
	key := partitionkey.New([]byte("k1"))
	plan := Plan{
		Members: members,
		Resolve: address.NoopResolver,
		Partitions: map[partitionkey.Key]PartitionState{
			key: {Required: 1, Current: []address.Address{addr("10.0.0.1:9000"), addr("10.0.0.2:9000"), addr("10.0.0.3:9000")}},
		},
	}

	result := Compute(plan)
	assert.Equal(t, []address.Address{addr("10.0.0.1:9000")}, result[key], "primary (index 0) survives a shrink")
}
