package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

func strp(s string) *string { return &s }

func TestBuildNavTreeHierarchy(t *testing.T) {
	nodes := []domain.NavigationNode{
		{ID: "root", Title: "Electronics"},
		{ID: "phones", Title: "Phones", ParentID: strp("root")},
		{ID: "laptops", Title: "Laptops", ParentID: strp("root")},
		{ID: "cases", Title: "Cases", ParentID: strp("phones")},
	}

	roots := buildNavTree(nodes, 6)
	require.Len(t, roots, 1)
	root := roots[0]
	assert.Equal(t, "Electronics", root.Title)
	require.Len(t, root.Children, 2)

	var phones *NavTreeNode
	for _, c := range root.Children {
		if c.ID == "phones" {
			phones = c
		}
	}
	require.NotNil(t, phones)
	require.Len(t, phones.Children, 1)
	assert.Equal(t, "Cases", phones.Children[0].Title)
}

func TestBuildNavTreeOrphanBecomesRoot(t *testing.T) {
	nodes := []domain.NavigationNode{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B", ParentID: strp("missing")},
	}
	roots := buildNavTree(nodes, 6)
	require.Len(t, roots, 2)
}

func TestBuildNavTreeSelfParentNotDropped(t *testing.T) {
	nodes := []domain.NavigationNode{
		{ID: "a", Title: "A", ParentID: strp("a")},
	}
	roots := buildNavTree(nodes, 6)
	require.Len(t, roots, 1)
	assert.Empty(t, roots[0].Children)
}

func TestBuildNavTreeCycleMembersBecomeRoots(t *testing.T) {
	nodes := []domain.NavigationNode{
		{ID: "a", Title: "A", ParentID: strp("b")},
		{ID: "b", Title: "B", ParentID: strp("a")},
	}
	roots := buildNavTree(nodes, 6)
	// Neither chain reaches a root, so both surface as roots instead of
	// vanishing into each other.
	require.Len(t, roots, 2)
	assert.Empty(t, roots[0].Children)
	assert.Empty(t, roots[1].Children)
}

func TestBuildNavTreeDepthBound(t *testing.T) {
	var nodes []domain.NavigationNode
	nodes = append(nodes, domain.NavigationNode{ID: "n0", Title: "N0"})
	for i := 1; i <= 5; i++ {
		nodes = append(nodes, domain.NavigationNode{
			ID: fmt.Sprintf("n%d", i), Title: fmt.Sprintf("N%d", i),
			ParentID: strp(fmt.Sprintf("n%d", i-1)),
		})
	}

	roots := buildNavTree(nodes, 3)
	// n1..n3 stay in the chain; n4 and n5 exceed the bound and get promoted.
	require.Len(t, roots, 3)
	ids := map[string]bool{}
	for _, r := range roots {
		ids[r.ID] = true
	}
	assert.True(t, ids["n0"])
	assert.True(t, ids["n4"])
	assert.True(t, ids["n5"])
}

func TestBuildNavTreeEmpty(t *testing.T) {
	assert.Empty(t, buildNavTree(nil, 6))
}

func TestBuildNavTreeChildrenNeverNil(t *testing.T) {
	roots := buildNavTree([]domain.NavigationNode{{ID: "a", Title: "A"}}, 6)
	require.Len(t, roots, 1)
	// Leaf nodes serialize as "children": [] rather than null.
	assert.NotNil(t, roots[0].Children)
}
