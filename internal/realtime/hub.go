// Package realtime fans out new comments to live viewers of a post.
package realtime

import (
	"context"
	"sync"

	"github.com/knowspace/knowspace/internal/models"
)

// CommentHub routes published comments to every subscriber of the
// comment's post. Slow subscribers drop events instead of blocking
// the publisher.
type CommentHub struct {
	mu       sync.RWMutex
	channels map[string][]chan *models.Comment
}

func NewCommentHub() *CommentHub {
	return &CommentHub{
		channels: make(map[string][]chan *models.Comment),
	}
}

// Subscribe registers a listener for the post. The channel is closed
// and removed when ctx is done.
func (h *CommentHub) Subscribe(ctx context.Context, postID string) <-chan *models.Comment {
	ch := make(chan *models.Comment, 8)

	h.mu.Lock()
	h.channels[postID] = append(h.channels[postID], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		subs := h.channels[postID]
		for i, sub := range subs {
			if sub == ch {
				h.channels[postID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.channels[postID]) == 0 {
			delete(h.channels, postID)
		}
		h.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish delivers a comment to the post's subscribers without blocking.
func (h *CommentHub) Publish(comment *models.Comment) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.channels[comment.PostID] {
		select {
		case ch <- comment:
		default:
		}
	}
}

// Subscribers reports the live listener count for a post.
func (h *CommentHub) Subscribers(postID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[postID])
}
