package main

import (
	"context"
	"errors"
	"sync"

	grpcstream "poleposition/raceserver/internal/grpc"
)

const standingsBuffer = 4

var errFeedClosed = errors.New("standings feed closed")

// standingsFeed fans the per-tick ranking out to gRPC observers.
type standingsFeed struct {
	mu     sync.Mutex
	subs   map[uint64]chan grpcstream.StandingsFrame
	next   uint64
	closed bool
}

func newStandingsFeed() *standingsFeed {
	return &standingsFeed{subs: make(map[uint64]chan grpcstream.StandingsFrame)}
}

// SubscribeStandings registers an observer until ctx ends or cancel is called.
func (f *standingsFeed) SubscribeStandings(ctx context.Context) (<-chan grpcstream.StandingsFrame, func(), error) {
	if f == nil {
		return nil, func() {}, errors.New("standings feed is nil")
	}
	//1.- Buffered so a slow observer only loses stale frames.
	ch := make(chan grpcstream.StandingsFrame, standingsBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, func() {}, errFeedClosed
	}
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		//2.- Unsubscribe and close exactly once.
		once.Do(func() {
			f.mu.Lock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// Active reports whether anyone is listening.
func (f *standingsFeed) Active() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs) > 0
}

// Publish offers frame to every observer, replacing the oldest queued frame
// when a buffer is full.
func (f *standingsFeed) Publish(frame grpcstream.StandingsFrame) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Close ends every subscription; later subscribers are refused.
func (f *standingsFeed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
