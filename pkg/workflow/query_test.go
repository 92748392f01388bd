package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryFixture(t *testing.T) (*QueryService, *memStore) {
	t.Helper()
	m := testMachine()

	inFlight := draftEvidence(docFile())
	require.NoError(t, m.Initiate(inFlight, twoSigners(), "", creatorActor()))
	require.NoError(t, m.Approve(inFlight, "alice", "c", "s"))

	waiting := draftEvidence(pdfFile())
	waiting.ID = "ev-2"
	waiting.Title = "Curriculum mapping"
	require.NoError(t, m.Initiate(waiting, twoSigners(), "", creatorActor()))

	foreign := &Evidence{
		ID:        "ev-3",
		Title:     "Unrelated audit",
		Status:    StatusDraft,
		CreatedBy: "someone-else",
	}

	store := newMemStore(inFlight, waiting, foreign)
	files := &memFiles{byEvidence: map[string][]FileDescriptor{
		"ev-1": {docFile()},
		"ev-2": {pdfFile()},
	}}
	return NewQueryService(store, files, testMachine()), store
}

func findSummary(t *testing.T, page *Page, id string) EvidenceSummary {
	t.Helper()
	for _, it := range page.Items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("summary %s not in page", id)
	return EvidenceSummary{}
}

func TestListScopesNonAdminViewers(t *testing.T) {
	q, _ := queryFixture(t)

	page, err := q.List(context.Background(), Filter{}, Viewer{UserID: "bob"}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 2, "bob sees only evidences bob participates in")
	assert.Equal(t, 2, page.Total)

	admin, err := q.List(context.Background(), Filter{}, Viewer{UserID: "root", Admin: true}, 1, 20)
	require.NoError(t, err)
	assert.Len(t, admin.Items, 3)
}

func TestListFilters(t *testing.T) {
	q, _ := queryFixture(t)
	viewer := Viewer{UserID: "root", Admin: true}

	byStatus, err := q.List(context.Background(), Filter{Status: StatusDraft}, viewer, 1, 20)
	require.NoError(t, err)
	require.Len(t, byStatus.Items, 1)
	assert.Equal(t, "ev-3", byStatus.Items[0].ID)

	bySearch, err := q.List(context.Background(), Filter{Search: "curriculum"}, viewer, 1, 20)
	require.NoError(t, err)
	require.Len(t, bySearch.Items, 1)
	assert.Equal(t, "ev-2", bySearch.Items[0].ID)
}

func TestListClampsPaging(t *testing.T) {
	q, _ := queryFixture(t)

	page, err := q.List(context.Background(), Filter{}, Viewer{UserID: "root", Admin: true}, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)

	page, err = q.List(context.Background(), Filter{}, Viewer{UserID: "root", Admin: true}, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, 20, page.PageSize)
}

func TestSummaryAnnotationsForCurrentSigner(t *testing.T) {
	q, _ := queryFixture(t)

	page, err := q.List(context.Background(), Filter{}, Viewer{UserID: "bob"}, 1, 20)
	require.NoError(t, err)
	sum := findSummary(t, page, "ev-1")

	assert.True(t, sum.CanUserSign, "bob is the current signer at step 2")
	assert.False(t, sum.CanInitiateSigning)
	assert.False(t, sum.CanCancelSigning, "bob did not initiate")
	assert.False(t, sum.CanUpdateSigning)
	assert.False(t, sum.RequiresSignatureInsertion)
	require.Len(t, sum.NextSigners, 1, "only the current signer remains queued")
	assert.Equal(t, "bob", sum.NextSigners[0].UserID)

	require.NotNil(t, sum.SigningProgress)
	assert.Equal(t, 2, sum.SigningProgress.TotalSigners)
	assert.Equal(t, 1, sum.SigningProgress.SignedCount)
	assert.InDelta(t, 50.0, sum.SigningProgress.Percentage, 0.001)
}

func TestSummaryAnnotationsForInitiator(t *testing.T) {
	q, _ := queryFixture(t)

	page, err := q.List(context.Background(), Filter{}, Viewer{UserID: "creator"}, 1, 20)
	require.NoError(t, err)

	inFlight := findSummary(t, page, "ev-1")
	assert.True(t, inFlight.CanCancelSigning)
	assert.False(t, inFlight.CanUpdateSigning, "a signature exists already")
	assert.False(t, inFlight.CanUserSign)

	waiting := findSummary(t, page, "ev-2")
	assert.True(t, waiting.CanCancelSigning)
	assert.True(t, waiting.CanUpdateSigning)
	assert.True(t, waiting.RequiresSignatureInsertion)
	assert.False(t, waiting.CanUserSign, "signing has not opened yet")
	require.Len(t, waiting.NextSigners, 2)
	assert.Equal(t, "alice", waiting.NextSigners[0].UserID)
	assert.Equal(t, 0.0, waiting.SigningProgress.Percentage)
}

func TestSummaryDraftAnnotations(t *testing.T) {
	q, _ := queryFixture(t)

	page, err := q.List(context.Background(), Filter{}, Viewer{UserID: "someone-else"}, 1, 20)
	require.NoError(t, err)
	sum := findSummary(t, page, "ev-3")

	assert.True(t, sum.CanInitiateSigning)
	assert.False(t, sum.CanCancelSigning)
	assert.Nil(t, sum.SigningProgress)
}
