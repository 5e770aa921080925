package gcplan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/api"
)

func TestBootParsesGCArgs(t *testing.T) {
	p := NewReferencePlan()
	err := p.Boot(1<<20, 0, []string{"heapGrowthFactor=1.5"})
	require.NoError(t, err)
	require.Equal(t, "1.5", p.gcArgs["heapGrowthFactor"])
}

func TestBootRejectsMalformedArg(t *testing.T) {
	p := NewReferencePlan()
	err := p.Boot(0, 0, []string{"no-equals-sign"})
	require.Error(t, err)
}

func TestMutatorAllocateStartsLiveUntilFirstCollect(t *testing.T) {
	p := NewReferencePlan()
	obj, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)
	require.True(t, p.IsLive(obj, api.Closure(0)))
}

func TestCollectKeepsOnlyRoots(t *testing.T) {
	p := NewReferencePlan()
	root, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)
	garbage, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)

	p.AddRoot(root)
	p.Collect()

	require.True(t, p.IsLive(root, api.Closure(0)))
	require.False(t, p.IsLive(garbage, api.Closure(0)))
}

func TestRemoveRootMakesObjectCollectable(t *testing.T) {
	p := NewReferencePlan()
	obj, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)
	p.AddRoot(obj)
	p.Collect()
	require.True(t, p.IsLive(obj, api.Closure(0)))

	p.RemoveRoot(obj)
	p.Collect()
	require.False(t, p.IsLive(obj, api.Closure(0)))
}

func TestScanObjectMarksObserved(t *testing.T) {
	p := NewReferencePlan()
	obj, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)
	require.False(t, p.WasObserved(obj))

	ref := obj
	p.ScanObject(&ref, api.Closure(0))
	require.True(t, p.WasObserved(obj))
}

func TestRetainAndForwardAreIdentity(t *testing.T) {
	p := NewReferencePlan()
	obj, err := p.MutatorAllocate(16, nil)
	require.NoError(t, err)

	require.Equal(t, obj, p.RetainForFinalize(obj))
	require.Equal(t, obj, p.RetainReferent(obj))
	require.Equal(t, obj, p.GetForwarded(obj))
}
