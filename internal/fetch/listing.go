package fetch

import (
	"regexp"
	"sort"
	"strings"

	"github.com/radarwatch/radar-publisher/internal/product"
)

// hrefPattern pulls anchor targets out of a directory listing page.
// The open-data endpoints serve plain autoindex HTML; nothing heavier
// than href extraction is needed.
var hrefPattern = regexp.MustCompile(`href="([^"?/][^"]*)"`)

// ParseListing extracts product identifiers from a directory listing
// page for the given stream. Entries that do not parse as product
// files are skipped; the result is sorted by timestamp then lead so
// downstream processing is chronological.
func ParseListing(body []byte, stream product.Stream) []product.SourceID {
	var ids []product.SourceID
	seen := make(map[string]struct{})

	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		name := m[1]
		// Autoindex pages carry parent links and sort links alongside
		// the files.
		if strings.Contains(name, "://") {
			continue
		}
		id, ok := product.ParseRemoteName(stream, name)
		if !ok {
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		if !ids[i].Timestamp.Equal(ids[j].Timestamp) {
			return ids[i].Timestamp.Before(ids[j].Timestamp)
		}
		return ids[i].LeadMinutes < ids[j].LeadMinutes
	})
	return ids
}
