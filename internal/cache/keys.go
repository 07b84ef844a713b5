package cache

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// List entries turn over quickly; job details can ride their TTL longer
// because every definition write invalidates them explicitly.
const (
	ListTTL = 2 * time.Minute
	JobTTL  = 10 * time.Minute
)

const (
	listKeyPrefix = "jobs:"
	jobKeyPrefix  = "job:"
)

// listKeyParams fixes the field order so equal queries always produce the
// same key.
type listKeyParams struct {
	IsActive *bool    `json:"isActive,omitempty"`
	JobType  *string  `json:"jobType,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Search   string   `json:"search,omitempty"`
	Page     int      `json:"page"`
	Limit    int      `json:"limit"`
}

// ListKey builds the cache key for a job list query. Tags are sorted so
// ?tags=a,b and ?tags=b,a share an entry.
func ListKey(f store.Filter, p store.Page) string {
	n := p.Normalize()
	params := listKeyParams{
		IsActive: f.IsActive,
		Search:   f.Search,
		Page:     n.Page,
		Limit:    n.Limit,
	}
	if f.JobType != nil {
		t := string(*f.JobType)
		params.JobType = &t
	}
	if len(f.Tags) > 0 {
		tags := append([]string(nil), f.Tags...)
		sort.Strings(tags)
		params.Tags = tags
	}
	b, _ := json.Marshal(params)
	return listKeyPrefix + string(b)
}

// JobKey builds the cache key for one job's detail payload.
func JobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

// ListPrefix matches every list entry; definition writes pass it to
// DeletePrefix since any change can reorder or refilter any page.
func ListPrefix() string {
	return listKeyPrefix
}
