package relaycache

import (
	"fmt"

	"github.com/eljojo/relaycache/types"
)

// NSFW policies understood by the filter pipeline.
const (
	NSFWAllow = "allow"
	NSFWBlock = "block"
)

// AccessControl answers visibility questions the cache does not own.
// Errors are treated as "no access".
type AccessControl interface {
	CanAccess(video *VideoRecord) (bool, error)
	IsBlacklisted(author types.Pubkey) (bool, error)
}

// FilterOptions are the per-call inputs of the filter pipeline.
type FilterOptions struct {
	Viewer          types.Pubkey
	NSFWPolicy      string
	BlockedIDs      map[types.EventID]bool
	IsAuthorBlocked func(author types.Pubkey) bool
}

// filterResult is the outcome of one stage: decided stages stop the pipeline.
type filterResult struct {
	decided bool
	include bool
	reason  string
}

func pass() filterResult { return filterResult{} }
func accept(reason string) filterResult { return filterResult{decided: true, include: true, reason: reason} }
func reject(reason string) filterResult { return filterResult{decided: true, reason: reason} }

type filterStage func(video *VideoRecord, opts FilterOptions) filterResult

// FilterPipeline decides whether a resolved video is shown to the viewer.
// Stages run in order and the first decided stage wins.
type FilterPipeline struct {
	access AccessControl
	stages []filterStage
	log    *ServiceLog
}

// NewFilterPipeline builds the pipeline. access may be nil, in which case
// every video passes the access stages.
func NewFilterPipeline(access AccessControl) *FilterPipeline {
	p := &FilterPipeline{access: access, log: Log("filter")}
	p.stages = []filterStage{
		p.selfAuthored,
		p.nsfw,
		p.blockedID,
		p.blockedAuthor,
		p.private,
		p.canAccess,
	}
	return p
}

// ShouldInclude runs the pipeline.
func (p *FilterPipeline) ShouldInclude(video *VideoRecord, opts FilterOptions) bool {
	included, _ := p.Explain(video, opts)
	return included
}

// Explain runs the pipeline and returns the reason for the decision.
func (p *FilterPipeline) Explain(video *VideoRecord, opts FilterOptions) (bool, string) {
	if video == nil {
		return false, "nil video"
	}
	for _, stage := range p.stages {
		if res := stage(video, opts); res.decided {
			return res.include, res.reason
		}
	}
	return true, "visible"
}

// Filter keeps the videos the pipeline includes, preserving order.
func (p *FilterPipeline) Filter(videos []*VideoRecord, opts FilterOptions) []*VideoRecord {
	out := make([]*VideoRecord, 0, len(videos))
	for _, v := range videos {
		if p.ShouldInclude(v, opts) {
			out = append(out, v)
		}
	}
	return out
}

func (p *FilterPipeline) selfAuthored(video *VideoRecord, opts FilterOptions) filterResult {
	if opts.Viewer != "" && video.Pubkey == types.NormalizeLoose(opts.Viewer.String()) {
		return accept("own video")
	}
	return pass()
}

func (p *FilterPipeline) nsfw(video *VideoRecord, opts FilterOptions) filterResult {
	if opts.NSFWPolicy == NSFWBlock && video.IsNSFW {
		return reject("nsfw")
	}
	return pass()
}

func (p *FilterPipeline) blockedID(video *VideoRecord, opts FilterOptions) filterResult {
	if opts.BlockedIDs[video.ID] {
		return reject("blocked event")
	}
	return pass()
}

func (p *FilterPipeline) blockedAuthor(video *VideoRecord, opts FilterOptions) filterResult {
	if opts.IsAuthorBlocked != nil {
		blocked, err := safePredicate(func() (bool, error) { return opts.IsAuthorBlocked(video.Pubkey), nil })
		if err != nil {
			p.log.Warn("author block check failed for %s: %v", video.Pubkey.Short(), err)
			return reject("author check failed")
		}
		if blocked {
			return reject("author blocked")
		}
	}
	if p.access != nil {
		blacklisted, err := safePredicate(func() (bool, error) { return p.access.IsBlacklisted(video.Pubkey) })
		if err != nil {
			p.log.Warn("blacklist check failed for %s: %v", video.Pubkey.Short(), err)
			return reject("blacklist check failed")
		}
		if blacklisted {
			return reject("author blacklisted")
		}
	}
	return pass()
}

func (p *FilterPipeline) private(video *VideoRecord, opts FilterOptions) filterResult {
	if video.IsPrivate {
		return reject("private")
	}
	return pass()
}

func (p *FilterPipeline) canAccess(video *VideoRecord, opts FilterOptions) filterResult {
	if p.access == nil {
		return pass()
	}
	ok, err := safePredicate(func() (bool, error) { return p.access.CanAccess(video) })
	if err != nil {
		p.log.Warn("access check failed for %s: %v", video.ID, err)
		return reject("access check failed")
	}
	if !ok {
		return reject("no access")
	}
	return pass()
}

// safePredicate runs a caller-supplied predicate, turning panics into errors.
func safePredicate(fn func() (bool, error)) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return fn()
}
