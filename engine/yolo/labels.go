package yolo

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var CocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// ClassName returns names[id], or "class_<id>" when the table is too short.
func ClassName(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// ReadNamesFile reads one class name per line. CRLF endings and blank lines
// are tolerated.
func ReadNamesFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			names = append(names, l)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("names file %s is empty", path)
	}
	return names, nil
}

var metaEntry = regexp.MustCompile(`(\d+)\s*:\s*['"]([^'"]*)['"]`)

// ParseNamesMetadata parses the "names" entry ultralytics writes into ONNX
// metadata, e.g. {0: 'person', 1: 'bicycle'}.
func ParseNamesMetadata(raw string) ([]string, error) {
	matches := metaEntry.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no class names in %q", raw)
	}
	byID := make(map[int]string, len(matches))
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		byID[id] = m[2]
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, ids[len(ids)-1]+1)
	for id, n := range byID {
		names[id] = n
	}
	for i := range names {
		if names[i] == "" {
			names[i] = fmt.Sprintf("class_%d", i)
		}
	}
	return names, nil
}
