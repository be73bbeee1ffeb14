package engine

import (
	"encoding/json"

	"github.com/hazyhaar/sonde/indicator"
)

// Purpose names a chunk on the wire.
type Purpose string

const (
	PurposeInit    Purpose = "init"
	PurposeLink    Purpose = "link"
	PurposeData    Purpose = "data"
	PurposeFail    Purpose = "fail"
	PurposeEnhance Purpose = "enhance"
	PurposeFinish  Purpose = "finish"
	PurposeError   Purpose = "error"
)

// NoResult is the data payload of a NotFound outcome.
var NoResult = json.RawMessage(`{"_noResult":true}`)

// Chunk is one element of a search stream. Only the fields of its Purpose
// are encoded.
type Chunk struct {
	Purpose     Purpose
	Indicators  []indicator.Indicator
	Indicator   indicator.Indicator
	Parent      indicator.Indicator
	Sent        int
	Total       int
	Name        string
	Data        json.RawMessage
	Text        string
	EnhanceInfo any
	ResultCount int
}

func (c Chunk) MarshalJSON() ([]byte, error) {
	switch c.Purpose {
	case PurposeInit:
		inds := c.Indicators
		if inds == nil {
			inds = []indicator.Indicator{}
		}
		return json.Marshal(struct {
			Purpose    Purpose               `json:"purpose"`
			Indicators []indicator.Indicator `json:"indicators"`
			Sent       int                   `json:"sent"`
			Total      int                   `json:"total"`
			Text       string                `json:"text"`
		}{c.Purpose, inds, c.Sent, c.Total, c.Text})
	case PurposeLink:
		return json.Marshal(struct {
			Purpose   Purpose             `json:"purpose"`
			Indicator indicator.Indicator `json:"indicator"`
			Parent    indicator.Indicator `json:"parentIndicator"`
		}{c.Purpose, c.Indicator, c.Parent})
	case PurposeData:
		data := c.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Purpose   Purpose             `json:"purpose"`
			Sent      int                 `json:"sent"`
			Total     int                 `json:"total"`
			Name      string              `json:"name"`
			Indicator indicator.Indicator `json:"indicator"`
			Data      json.RawMessage     `json:"data"`
		}{c.Purpose, c.Sent, c.Total, c.Name, c.Indicator, data})
	case PurposeFail:
		return json.Marshal(struct {
			Purpose   Purpose             `json:"purpose"`
			Sent      int                 `json:"sent"`
			Total     int                 `json:"total"`
			Name      string              `json:"name"`
			Indicator indicator.Indicator `json:"indicator"`
		}{c.Purpose, c.Sent, c.Total, c.Name, c.Indicator})
	case PurposeEnhance:
		return json.Marshal(struct {
			Purpose     Purpose             `json:"purpose"`
			Indicator   indicator.Indicator `json:"indicator"`
			EnhanceInfo any                 `json:"enhanceInfo"`
		}{c.Purpose, c.Indicator, c.EnhanceInfo})
	case PurposeFinish:
		return json.Marshal(struct {
			Purpose     Purpose `json:"purpose"`
			ResultCount int     `json:"resultCount"`
		}{c.Purpose, c.ResultCount})
	default:
		return json.Marshal(struct {
			Purpose Purpose `json:"purpose"`
			Text    string  `json:"text"`
		}{PurposeError, c.Text})
	}
}
