// Package relay talks to nostr relays over websockets using go-nostr.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoRelays = errors.New("no relays configured")
	ErrNoSigner = errors.New("template is unsigned and no secret key is configured")
)

// Pool keeps one connection per relay URL and implements the fetch,
// subscribe and publish interfaces the cache consumes.
type Pool struct {
	urls      []string
	conns     map[string]*nostr.Relay
	secretKey string
	mu        sync.Mutex
}

// NewPool creates a pool. secretKey is optional; without it Publish only
// accepts templates that are already signed.
func NewPool(urls []string, secretKey string) *Pool {
	return &Pool{
		urls:      append([]string(nil), urls...),
		conns:     make(map[string]*nostr.Relay),
		secretKey: secretKey,
	}
}

func (p *Pool) Relays() []string {
	return append([]string(nil), p.urls...)
}

func (p *Pool) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if r, ok := p.conns[url]; ok && r.IsConnected() {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	p.mu.Lock()
	if old, ok := p.conns[url]; ok && old != r {
		old.Close()
	}
	p.conns[url] = r
	p.mu.Unlock()
	logrus.Debugf("🔌 connected to %s", url)
	return r, nil
}

func (p *Pool) drop(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.conns[url]; ok {
		r.Close()
		delete(p.conns, url)
	}
}

// FetchFrom runs one query against one relay and waits for EOSE.
func (p *Pool) FetchFrom(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	r, err := p.connect(ctx, url)
	if err != nil {
		return nil, err
	}
	events, err := r.QuerySync(ctx, filter)
	if err != nil {
		p.drop(url)
		return nil, fmt.Errorf("query %s: %w", url, err)
	}
	return events, nil
}

// Subscribe opens the filter on every relay. Events are deduplicated across
// relays; onEOSE runs once, after every relay has reached the end of stored
// events or dropped its subscription. Relays that fail to connect are skipped.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter, onEvent func(*nostr.Event), onEOSE func()) (io.Closer, error) {
	if len(p.urls) == 0 {
		return nil, ErrNoRelays
	}

	subCtx, cancel := context.WithCancel(ctx)
	group := &subscriptionGroup{cancel: cancel, onEOSE: onEOSE}

	for _, url := range p.urls {
		r, err := p.connect(subCtx, url)
		if err != nil {
			logrus.Warnf("🔌 %v", err)
			continue
		}
		sub, err := r.Subscribe(subCtx, nostr.Filters{filter})
		if err != nil {
			logrus.Warnf("🔌 subscribe %s: %v", url, err)
			continue
		}
		group.add(sub)
	}

	if group.size() == 0 {
		cancel()
		return nil, fmt.Errorf("subscribe: no relay accepted the subscription")
	}
	group.start(subCtx, newSeenRing(5000), onEvent)
	return group, nil
}

// pump forwards unseen events until ctx ends. reported runs once, on EOSE
// or when the relay closes the events channel, whichever comes first.
func pump(ctx context.Context, events <-chan *nostr.Event, eose <-chan struct{}, seen *seenRing, onEvent func(*nostr.Event), reported func()) {
	report := func() {
		if reported != nil && ctx.Err() == nil {
			reported()
		}
		reported = nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				report()
				return
			}
			if ev != nil && seen.add(ev.ID) && onEvent != nil {
				onEvent(ev)
			}
		case <-eose:
			eose = nil
			report()
		}
	}
}

// Publish signs template when needed and sends it to every relay. It
// succeeds when at least one relay accepts the event.
func (p *Pool) Publish(ctx context.Context, template nostr.Event) (*nostr.Event, error) {
	ev := template
	if ev.Sig == "" {
		if p.secretKey == "" {
			return nil, ErrNoSigner
		}
		pub, err := nostr.GetPublicKey(p.secretKey)
		if err != nil {
			return nil, fmt.Errorf("derive pubkey: %w", err)
		}
		ev.PubKey = pub
		if err := ev.Sign(p.secretKey); err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
	}
	if len(p.urls) == 0 {
		return nil, ErrNoRelays
	}

	var mu sync.Mutex
	var errs []error
	accepted := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range p.urls {
		url := url
		g.Go(func() error {
			err := p.publishTo(gctx, url, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			accepted++
			return nil
		})
	}
	_ = g.Wait()

	if accepted == 0 {
		return nil, fmt.Errorf("no relay accepted %s: %w", ev.ID, errors.Join(errs...))
	}
	logrus.Infof("📤 published %s to %d/%d relays", ev.ID, accepted, len(p.urls))
	return &ev, nil
}

func (p *Pool) publishTo(ctx context.Context, url string, ev nostr.Event) error {
	r, err := p.connect(ctx, url)
	if err != nil {
		return err
	}
	if err := r.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", url, err)
	}
	return nil
}

// Close disconnects from every relay.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.conns {
		r.Close()
		delete(p.conns, url)
	}
	return nil
}

type subscriptionGroup struct {
	subs        []*nostr.Subscription
	cancel      context.CancelFunc
	onEOSE      func()
	outstanding int // relays that have not reported EOSE yet
	once        sync.Once
	mu          sync.Mutex
}

func (g *subscriptionGroup) add(sub *nostr.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
}

func (g *subscriptionGroup) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// start arms the EOSE countdown and launches one pump per relay. The count
// is set before any pump runs so a fast relay cannot finish it early.
func (g *subscriptionGroup) start(ctx context.Context, seen *seenRing, onEvent func(*nostr.Event)) {
	g.mu.Lock()
	g.outstanding = len(g.subs)
	subs := append([]*nostr.Subscription(nil), g.subs...)
	g.mu.Unlock()

	for _, sub := range subs {
		go pump(ctx, sub.Events, sub.EndOfStoredEvents, seen, onEvent, g.reported)
	}
}

// reported marks one relay as done with stored events.
func (g *subscriptionGroup) reported() {
	g.mu.Lock()
	g.outstanding--
	done := g.outstanding == 0
	g.mu.Unlock()

	if done && g.onEOSE != nil {
		g.onEOSE()
	}
}

func (g *subscriptionGroup) Close() error {
	g.once.Do(func() {
		g.mu.Lock()
		for _, sub := range g.subs {
			sub.Unsub()
		}
		g.mu.Unlock()
		g.cancel()
	})
	return nil
}
