package llm

import "strings"

// Splitter separates user-visible prose from a trailing task directive in
// an incremental delta stream. The directive marker may straddle two
// delta boundaries, so the splitter holds back the last maxMarkerLen
// bytes until the next delta (or Finish) proves they are plain text.
//
// Once the marker is seen the splitter is terminal: every later delta is
// buffered into the directive and never re-emitted as visible text.
type Splitter struct {
	markers   []string
	holdback  int
	buf       string
	directive strings.Builder
	found     bool
}

// NewSplitter creates a splitter for the given markers. With no markers
// it defaults to the task prompt markers.
func NewSplitter(markers ...string) *Splitter {
	if len(markers) == 0 {
		markers = TaskPromptMarkers
	}
	holdback := 0
	for _, m := range markers {
		if len(m) > holdback {
			holdback = len(m)
		}
	}
	return &Splitter{markers: markers, holdback: holdback}
}

// Push consumes one delta and returns the text that is now safe to emit
// as visible prose.
func (s *Splitter) Push(delta string) string {
	if s.found {
		s.directive.WriteString(delta)
		return ""
	}

	s.buf += delta

	markerIndex := -1
	markerLen := 0
	for _, marker := range s.markers {
		if idx := strings.Index(s.buf, marker); idx != -1 && (markerIndex == -1 || idx < markerIndex) {
			markerIndex = idx
			markerLen = len(marker)
		}
	}

	if markerIndex != -1 {
		visible := s.buf[:markerIndex]
		s.directive.WriteString(s.buf[markerIndex+markerLen:])
		s.buf = ""
		s.found = true
		return visible
	}

	if len(s.buf) > s.holdback {
		visible := s.buf[:len(s.buf)-s.holdback]
		s.buf = s.buf[len(s.buf)-s.holdback:]
		return visible
	}
	return ""
}

// Finish flushes the hold-back window after the stream ends. Returns the
// remaining visible text; empty once a marker was found.
func (s *Splitter) Finish() string {
	if s.found {
		return ""
	}
	visible := s.buf
	s.buf = ""
	return visible
}

// Directive returns the trimmed directive text and whether the marker
// was seen at all.
func (s *Splitter) Directive() (string, bool) {
	if !s.found {
		return "", false
	}
	return strings.TrimSpace(s.directive.String()), true
}
