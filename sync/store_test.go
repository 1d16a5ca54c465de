package sync

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrisync/models"
)

func newPost(title string) *models.Post {
	return &models.Post{
		ID:             uuid.New(),
		AuthorID:       "farmer-1",
		Title:          title,
		ReactionCounts: models.ReactionCounts{},
	}
}

func TestStoreUpsertPrependsNewEntities(t *testing.T) {
	s := NewStore[*models.Post]()

	first := newPost("first")
	second := newPost("second")
	s.Upsert(first)
	s.Upsert(second)

	items := s.List(nil)
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Title)
	assert.Equal(t, "first", items[1].Title)
}

func TestStoreAppendKeepsPaginationOrder(t *testing.T) {
	s := NewStore[*models.Post]()

	realtime := newPost("realtime")
	pageOne := newPost("page-1")
	pageTwo := newPost("page-2")

	s.Upsert(realtime)
	s.Append(pageOne)
	s.Append(pageTwo)

	items := s.List(nil)
	require.Len(t, items, 3)
	assert.Equal(t, "realtime", items[0].Title)
	assert.Equal(t, "page-1", items[1].Title)
	assert.Equal(t, "page-2", items[2].Title)
}

func TestStoreUpsertReplacesInPlace(t *testing.T) {
	s := NewStore[*models.Post]()

	p := newPost("original")
	s.Upsert(p)

	updated := *p
	updated.Title = "edited"
	s.Upsert(&updated)

	items := s.List(nil)
	require.Len(t, items, 1)
	assert.Equal(t, "edited", items[0].Title)
}

func TestStoreUpsertIdempotent(t *testing.T) {
	s := NewStore[*models.Post]()

	var notifications int
	s.Subscribe(func() { notifications++ })

	p := newPost("once")
	s.Upsert(p)
	s.Upsert(p)
	s.Upsert(p)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, notifications, "re-applying an identical insert must not notify")
}

func TestStoreRemoveIsNoOpWhenAbsent(t *testing.T) {
	s := NewStore[*models.Post]()

	p := newPost("keep")
	s.Upsert(p)

	s.Remove("not-there")
	assert.Equal(t, 1, s.Len())

	s.Remove(p.EntityID())
	assert.Equal(t, 0, s.Len())
	s.Remove(p.EntityID())
	assert.Equal(t, 0, s.Len())
}

func TestStoreListFilter(t *testing.T) {
	s := NewStore[*models.Post]()

	maize := newPost("maize blight")
	maize.Crop = "maize"
	beans := newPost("bean rust")
	beans.Crop = "beans"
	s.Upsert(maize)
	s.Upsert(beans)

	got := s.List(func(p *models.Post) bool { return p.Crop == "maize" })
	require.Len(t, got, 1)
	assert.Equal(t, "maize blight", got[0].Title)
}

func TestStoreSubscribeUnsubscribeIdempotent(t *testing.T) {
	s := NewStore[*models.Post]()

	var calls int
	unsub := s.Subscribe(func() { calls++ })

	s.Upsert(newPost("a"))
	assert.Equal(t, 1, calls)

	unsub()
	unsub() // second call must be harmless

	s.Upsert(newPost("b"))
	assert.Equal(t, 1, calls)
}

// Applying the same causally-consistent event stream in different arrival
// orders must converge to the same projection.
func TestStoreOrderInsensitiveUnderCausalDelivery(t *testing.T) {
	a := newPost("a")
	b := newPost("b")

	aEdited := *a
	aEdited.Title = "a-edited"

	type op struct {
		apply func(*Store[*models.Post])
	}
	insertA := op{func(s *Store[*models.Post]) { s.Upsert(a) }}
	insertB := op{func(s *Store[*models.Post]) { s.Upsert(b) }}
	updateA := op{func(s *Store[*models.Post]) { s.Upsert(&aEdited) }}
	deleteB := op{func(s *Store[*models.Post]) { s.Remove(b.EntityID()) }}

	// Both orders respect causality: an update never precedes its insert.
	orders := [][]op{
		{insertA, insertB, updateA, deleteB},
		{insertB, insertA, deleteB, updateA},
	}

	var finals [][]*models.Post
	for _, order := range orders {
		s := NewStore[*models.Post]()
		for _, o := range order {
			o.apply(s)
		}
		finals = append(finals, s.List(nil))
	}

	require.Len(t, finals[0], 1)
	require.Len(t, finals[1], 1)
	assert.Equal(t, finals[0][0].EntityID(), finals[1][0].EntityID())
	assert.Equal(t, "a-edited", finals[0][0].Title)
	assert.Equal(t, "a-edited", finals[1][0].Title)
}
