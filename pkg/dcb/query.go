package dcb

import (
	"sort"
	"strconv"
	"strings"
)

// ValidateQuery checks that a query is well-formed: non-empty, every
// item names at least an event type or a tag, and no item carries a
// duplicate tag key.
func ValidateQuery(q Query) error {
	if len(q.Items) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "ValidateQuery", Err: errEmptyQuery},
			Field:           "query",
			Value:           "empty",
		}
	}
	for i, item := range q.Items {
		if len(item.EventTypes) == 0 && len(item.Tags) == 0 {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "ValidateQuery", Err: errEmptyQueryItem},
				Field:           "query.items[" + strconv.Itoa(i) + "]",
				Value:           "empty",
			}
		}
		seen := make(map[string]bool, len(item.Tags))
		for _, tag := range item.Tags {
			if tag.Key == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "ValidateQuery", Err: errEmptyTagKey},
					Field:           "tag.key",
					Value:           "empty",
				}
			}
			if seen[tag.Key] {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "ValidateQuery", Err: errDuplicateTagKey},
					Field:           "tag.key",
					Value:           tag.Key,
				}
			}
			seen[tag.Key] = true
		}
	}
	return nil
}

// TagsToArray renders tags as a sorted "key:value" slice, the shape the
// Postgres adapter stores in a TEXT[] column.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Key + ":" + t.Value
	}
	sort.Strings(out)
	return out
}

// ParseTagsArray is TagsToArray's inverse.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return []Tag{}
	}
	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		tags = append(tags, Tag{Key: key, Value: parts[1]})
	}
	return tags
}
