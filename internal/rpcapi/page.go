// Copyright 2025 Joseph Cumines

package rpcapi

import (
	"encoding/base64"
	"strconv"

	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// defaultPageSize applies when a list request leaves page_size unset.
const defaultPageSize = 50

// maxPageSize caps a single page regardless of what the caller asks for.
const maxPageSize = 500

// encodePageToken produces the opaque next_page_token for offset.
func encodePageToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// decodePageToken parses an opaque page token back to an offset. An empty
// token means offset zero; anything that does not round-trip through
// encodePageToken is rejected as invalid-argument rather than silently
// restarting the listing.
func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, rpcerr.InvalidArgument("invalid_page_token", "malformed page token %q", token)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, rpcerr.InvalidArgument("invalid_page_token", "malformed page token %q", token)
	}
	return offset, nil
}

// paginate slices items to the requested page, returning the page and the
// next_page_token ("" when the listing is exhausted).
func paginate[T any](items []T, pageSize int, pageToken string) ([]T, string, error) {
	offset, err := decodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if offset >= len(items) {
		return nil, "", nil
	}
	end := offset + pageSize
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], encodePageToken(end), nil
}
