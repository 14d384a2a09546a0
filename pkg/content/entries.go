package content

import "encoding/json"

// EntryCollection is the entries endpoint response.
type EntryCollection struct {
	Total    int      `json:"total"`
	Skip     int      `json:"skip"`
	Limit    int      `json:"limit"`
	Items    []Entry  `json:"items"`
	Includes Includes `json:"includes"`
}

// Includes holds the linked entries resolved into the same response.
type Includes struct {
	Entry []Entry `json:"Entry"`
}

// Entry is a content entry with undecoded fields.
type Entry struct {
	Sys    Sys             `json:"sys"`
	Fields json.RawMessage `json:"fields"`
}

// Sys is the system metadata block of entries and links.
type Sys struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	LinkType    string `json:"linkType,omitempty"`
	ContentType *Link  `json:"contentType,omitempty"`
}

// Link references another entry by id.
type Link struct {
	Sys Sys `json:"sys"`
}

// ContentType returns the entry's content type id, or "" for links.
func (e Entry) ContentType() string {
	if e.Sys.ContentType == nil {
		return ""
	}
	return e.Sys.ContentType.Sys.ID
}

// Index maps included entries by id.
type Index map[string]Entry

// NewIndex indexes the included entries of a response.
func NewIndex(includes Includes) Index {
	idx := make(Index, len(includes.Entry))
	for _, e := range includes.Entry {
		idx[e.Sys.ID] = e
	}
	return idx
}
