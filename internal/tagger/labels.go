// Package tagger implements the ML tagging engine: model file downloads,
// ONNX session lifecycle with idle eviction, and tag prediction.
package tagger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Label categories in the selected_tags.csv shipped with wd-tagger models.
const (
	categoryGeneral   = 0
	categoryCharacter = 4
	categoryRating    = 9
)

// kaomojis are label names whose underscores are part of the emoticon and
// must not be rewritten to spaces.
var kaomojis = map[string]bool{
	"0_0":     true,
	"(o)_(o)": true,
	"+_+":     true,
	"+-":      true,
	"._.":     true,
	"<o>_<o>": true,
	"<|>_<|>": true,
	"=_=":     true,
	">_<":     true,
	"3_3":     true,
	"6_9":     true,
	">_o":     true,
	"@_@":     true,
	"^_^":     true,
	"o_o":     true,
	"u_u":     true,
	"x_x":     true,
	"|_|":     true,
	"||_||":   true,
}

// LabelIndex maps model output positions to tag names, partitioned by
// category.
type LabelIndex struct {
	Names        []string
	RatingIdx    []int
	GeneralIdx   []int
	CharacterIdx []int
}

// LoadLabels parses a selected_tags.csv file. Rows with a missing name or a
// non-numeric category are skipped; underscores in names become spaces
// except for kaomoji labels.
func LoadLabels(path string) (*LabelIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read labels header: %w", err)
	}

	nameCol, catCol := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "name":
			nameCol = i
		case "category":
			catCol = i
		}
	}
	if nameCol < 0 || catCol < 0 {
		return nil, fmt.Errorf("labels csv missing name/category columns")
	}

	idx := &LabelIndex{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read labels row: %w", err)
		}
		if nameCol >= len(row) || catCol >= len(row) {
			continue
		}
		name := strings.TrimSpace(row[nameCol])
		catStr := strings.TrimSpace(row[catCol])
		if name == "" || catStr == "" {
			continue
		}
		cat, err := strconv.Atoi(catStr)
		if err != nil {
			continue
		}
		if !kaomojis[name] {
			name = strings.ReplaceAll(name, "_", " ")
		}

		pos := len(idx.Names)
		idx.Names = append(idx.Names, name)
		switch cat {
		case categoryRating:
			idx.RatingIdx = append(idx.RatingIdx, pos)
		case categoryGeneral:
			idx.GeneralIdx = append(idx.GeneralIdx, pos)
		case categoryCharacter:
			idx.CharacterIdx = append(idx.CharacterIdx, pos)
		}
	}
	if len(idx.Names) == 0 {
		return nil, fmt.Errorf("labels csv is empty")
	}
	return idx, nil
}

// MCutThreshold computes the Maximum Cut threshold over a probability
// vector: sort descending, find the largest gap between adjacent values,
// and cut in the middle of that gap.
func MCutThreshold(probs []float32) float32 {
	if len(probs) < 2 {
		if len(probs) == 1 {
			return probs[0]
		}
		return 0
	}
	sorted := make([]float32, len(probs))
	copy(sorted, probs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	cut := 0
	var maxDiff float32 = -1
	for i := 0; i < len(sorted)-1; i++ {
		if diff := sorted[i] - sorted[i+1]; diff > maxDiff {
			maxDiff = diff
			cut = i
		}
	}
	return (sorted[cut] + sorted[cut+1]) / 2
}
