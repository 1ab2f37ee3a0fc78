package calibrate

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LoadReferencePoints reads an image_id,u,v,depth CSV. A header row is
// optional; blank image ids are rejected.
func LoadReferencePoints(r io.Reader) (map[string][]ReferencePoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	out := make(map[string][]ReferencePoint)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read reference points: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "image_id") {
			continue
		}

		id := strings.TrimSpace(rec[0])
		if id == "" {
			return nil, fmt.Errorf("reference points line %d: empty image id", line)
		}
		var vals [3]float64
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("reference points line %d: %w", line, err)
			}
			vals[i] = v
		}
		out[id] = append(out[id], ReferencePoint{U: vals[0], V: vals[1], Depth: vals[2]})
	}
	return out, nil
}

// WriteJSON writes params sorted by image id.
func WriteJSON(w io.Writer, params map[string]Params) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Sorted(params))
}

// ReadJSON reads params written by WriteJSON.
func ReadJSON(r io.Reader) (map[string]Params, error) {
	var list []Params
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode calibration: %w", err)
	}
	out := make(map[string]Params, len(list))
	for _, p := range list {
		if !(p.Scale > 0) {
			return nil, fmt.Errorf("calibration for %s: %w: scale %v", p.ImageID, ErrDegenerateFit, p.Scale)
		}
		out[p.ImageID] = p
	}
	return out, nil
}
