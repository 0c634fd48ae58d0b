package relaycache

import (
	"testing"

	"github.com/eljojo/relaycache/types"
	"github.com/stretchr/testify/assert"
)

type stubAccess struct {
	canAccess   func(*VideoRecord) (bool, error)
	blacklisted func(types.Pubkey) (bool, error)
}

func (s stubAccess) CanAccess(video *VideoRecord) (bool, error) {
	if s.canAccess == nil {
		return true, nil
	}
	return s.canAccess(video)
}

func (s stubAccess) IsBlacklisted(author types.Pubkey) (bool, error) {
	if s.blacklisted == nil {
		return false, nil
	}
	return s.blacklisted(author)
}

func testVideo(id string, author types.Pubkey) *VideoRecord {
	return &VideoRecord{ID: types.EventID(id), Pubkey: author, EntityKey: types.EntityKey("LEGACY:" + id), Title: id}
}

func TestFilterViewerAlwaysSeesOwnVideos(t *testing.T) {
	access := NewListAccessControl(true, nil, []string{alice.String()})
	pipeline := NewFilterPipeline(access)

	own := testVideo("own", alice)
	own.IsPrivate = true
	own.IsNSFW = true
	opts := FilterOptions{
		Viewer:          alice,
		NSFWPolicy:      NSFWBlock,
		BlockedIDs:      map[types.EventID]bool{"own": true},
		IsAuthorBlocked: func(types.Pubkey) bool { return true },
	}

	included, reason := pipeline.Explain(own, opts)
	assert.True(t, included)
	assert.Equal(t, "own video", reason)

	opts.Viewer = bob
	assert.False(t, pipeline.ShouldInclude(own, opts))
}

func TestFilterStages(t *testing.T) {
	pipeline := NewFilterPipeline(nil)

	nsfw := testVideo("nsfw", bob)
	nsfw.IsNSFW = true
	assert.False(t, pipeline.ShouldInclude(nsfw, FilterOptions{NSFWPolicy: NSFWBlock}))
	assert.True(t, pipeline.ShouldInclude(nsfw, FilterOptions{NSFWPolicy: NSFWAllow}))

	blocked := testVideo("blocked", bob)
	assert.False(t, pipeline.ShouldInclude(blocked, FilterOptions{BlockedIDs: map[types.EventID]bool{"blocked": true}}))

	private := testVideo("private", bob)
	private.IsPrivate = true
	_, reason := pipeline.Explain(private, FilterOptions{})
	assert.Equal(t, "private", reason)

	muted := FilterOptions{IsAuthorBlocked: func(p types.Pubkey) bool { return p == bob }}
	assert.False(t, pipeline.ShouldInclude(testVideo("x", bob), muted))
	assert.True(t, pipeline.ShouldInclude(testVideo("y", carol), muted))

	assert.False(t, pipeline.ShouldInclude(nil, FilterOptions{}))

	all := []*VideoRecord{testVideo("a", carol), nsfw, testVideo("b", carol)}
	kept := pipeline.Filter(all, FilterOptions{NSFWPolicy: NSFWBlock})
	assert.Equal(t, []*VideoRecord{all[0], all[2]}, kept)
}

func TestFilterFailsClosed(t *testing.T) {
	video := testVideo("v", bob)

	panicky := FilterOptions{IsAuthorBlocked: func(types.Pubkey) bool { panic("broken list") }}
	included, reason := NewFilterPipeline(nil).Explain(video, panicky)
	assert.False(t, included)
	assert.Equal(t, "author check failed", reason)

	erroring := NewFilterPipeline(stubAccess{canAccess: func(*VideoRecord) (bool, error) { return false, errBoom }})
	included, reason = erroring.Explain(video, FilterOptions{})
	assert.False(t, included)
	assert.Equal(t, "access check failed", reason)

	blacklistPanics := NewFilterPipeline(stubAccess{blacklisted: func(types.Pubkey) (bool, error) { panic("nope") }})
	assert.False(t, blacklistPanics.ShouldInclude(video, FilterOptions{}))
}

func TestListAccessControl(t *testing.T) {
	access := NewListAccessControl(false, nil, []string{bob.String(), "not-a-key"})
	ok, _ := access.CanAccess(testVideo("a", alice))
	assert.True(t, ok)
	ok, _ = access.CanAccess(testVideo("b", bob))
	assert.False(t, ok)

	whitelisted := NewListAccessControl(true, []string{"  " + carol.String() + "  "}, nil)
	ok, _ = whitelisted.CanAccess(testVideo("c", carol))
	assert.True(t, ok)
	ok, _ = whitelisted.CanAccess(testVideo("a", alice))
	assert.False(t, ok)

	assert.False(t, whitelisted.Allow("garbage"))
	assert.True(t, whitelisted.Allow(alice.String()))
	assert.True(t, whitelisted.IsWhitelisted(alice))
}
