package collect

import "github.com/vidlab-io/corpus-cli/internal/model"

// MergeComments folds per-sort-mode comment sets into one list, deduplicated
// by comment ID. The first occurrence wins, so pass sort modes in collection
// order. Comments without an ID cannot be matched and are all kept.
func MergeComments(sets ...[]model.Comment) []model.Comment {
	seen := make(map[string]struct{})
	var merged []model.Comment
	for _, set := range sets {
		for _, c := range set {
			if c.CommentID != "" {
				if _, dup := seen[c.CommentID]; dup {
					continue
				}
				seen[c.CommentID] = struct{}{}
			}
			merged = append(merged, c)
		}
	}
	return merged
}
