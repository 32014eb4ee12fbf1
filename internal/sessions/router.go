package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// TopicStore is the slice of the store the router needs.
type TopicStore interface {
	TopicByKey(ctx context.Context, chatID, topicID int64) (*store.Topic, error)
	TopicByFolder(ctx context.Context, folder string) (*store.Topic, error)
	UpsertTopic(ctx context.Context, t store.Topic) error
}

// Router assigns workspace folders to (chat, topic) pairs and remembers
// the assignment through the store. Assignment is serialized so two
// concurrent first-sightings cannot race the same candidate name.
type Router struct {
	topics     TopicStore
	mainChatID int64

	mu sync.Mutex
}

func NewRouter(topics TopicStore, mainChatID int64) *Router {
	return &Router{topics: topics, mainChatID: mainChatID}
}

// Resolve returns the workspace folder for (chat, topic), creating the
// topic row with a fresh unique folder on first sighting. Known topics
// get their name and activity refreshed.
func (r *Router) Resolve(ctx context.Context, chatID int64, chatTitle string, topicID int64, topicName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.topics.TopicByKey(ctx, chatID, topicID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		refreshed := *existing
		if topicName != "" {
			refreshed.Name = topicName
		}
		refreshed.LastActivity = time.Now()
		if err := r.topics.UpsertTopic(ctx, refreshed); err != nil {
			return "", err
		}
		return existing.Folder, nil
	}

	folder, err := r.pickFolder(ctx, chatID, chatTitle, topicID, topicName)
	if err != nil {
		return "", err
	}

	t := store.Topic{
		ChatID:       chatID,
		TopicID:      topicID,
		Name:         topicName,
		Folder:       folder,
		LastActivity: time.Now(),
	}
	if err := r.topics.UpsertTopic(ctx, t); err != nil {
		return "", err
	}
	return folder, nil
}

func (r *Router) pickFolder(ctx context.Context, chatID int64, chatTitle string, topicID int64, topicName string) (string, error) {
	if chatID == r.mainChatID && topicID == 0 {
		return MainWorkspace, nil
	}

	base := Slug(chatTitle)
	if topicID != 0 {
		if topicSlug := Slug(topicName); topicSlug != "" {
			if base != "" {
				base = base + "-" + topicSlug
			} else {
				base = topicSlug
			}
		}
	}
	if base == "" {
		base = fmt.Sprintf("chat-%d", chatID)
	}
	if len(base) > maxSlugLen {
		base = strings.Trim(base[:maxSlugLen], "-")
	}

	candidate := base
	for i := 1; ; i++ {
		taken, err := r.folderTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func (r *Router) folderTaken(ctx context.Context, folder string) (bool, error) {
	if folder == MainWorkspace || folder == GlobalWorkspace {
		return true, nil
	}
	t, err := r.topics.TopicByFolder(ctx, folder)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}
