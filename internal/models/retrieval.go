package models

import (
	"fmt"
	"strings"
)

// ResourceKind identifies what a retrieval targets on the archive
type ResourceKind string

const (
	KindStudySearch      ResourceKind = "study-search"
	KindSeriesSearch     ResourceKind = "series-search"
	KindInstanceSearch   ResourceKind = "instance-search"
	KindStudyMetadata    ResourceKind = "study-metadata"
	KindSeriesMetadata   ResourceKind = "series-metadata"
	KindInstanceMetadata ResourceKind = "instance-metadata"
	KindInstance         ResourceKind = "instance"
	KindFrames           ResourceKind = "frames"
	KindThumbnail        ResourceKind = "thumbnail"
	KindBulkData         ResourceKind = "bulkdata"
	KindVideo            ResourceKind = "video"
	KindPDF              ResourceKind = "pdf"
)

var resourceKinds = []ResourceKind{
	KindStudySearch, KindSeriesSearch, KindInstanceSearch,
	KindStudyMetadata, KindSeriesMetadata, KindInstanceMetadata,
	KindInstance, KindFrames, KindThumbnail, KindBulkData, KindVideo, KindPDF,
}

// ParseResourceKind converts a configuration token into a ResourceKind
func ParseResourceKind(s string) (ResourceKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range resourceKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// IsJSON reports whether the kind is answered with DICOM JSON
func (k ResourceKind) IsJSON() bool {
	switch k {
	case KindStudySearch, KindSeriesSearch, KindInstanceSearch,
		KindStudyMetadata, KindSeriesMetadata, KindInstanceMetadata:
		return true
	}
	return false
}

// RequestClass is the priority class of a retrieval request
type RequestClass string

const (
	ClassInteraction RequestClass = "interaction"
	ClassThumbnail   RequestClass = "thumbnail"
	ClassPrefetch    RequestClass = "prefetch"
)

// RequestClasses lists every class in a stable order
var RequestClasses = []RequestClass{ClassInteraction, ClassThumbnail, ClassPrefetch}

// ParseRequestClass converts a header or config token into a RequestClass
func ParseRequestClass(s string) (RequestClass, error) {
	switch RequestClass(strings.ToLower(strings.TrimSpace(s))) {
	case ClassInteraction:
		return ClassInteraction, nil
	case ClassThumbnail:
		return ClassThumbnail, nil
	case ClassPrefetch:
		return ClassPrefetch, nil
	}
	return "", fmt.Errorf("unknown request class %q", s)
}

// Outranks reports whether c has a higher priority than other. Classes
// rank in RequestClasses order; unknown classes rank last.
func (c RequestClass) Outranks(other RequestClass) bool {
	return c.rank() < other.rank()
}

func (c RequestClass) rank() int {
	for i, rc := range RequestClasses {
		if rc == c {
			return i
		}
	}
	return len(RequestClasses)
}

// Speculative reports whether failures of this class are silent
func (c RequestClass) Speculative() bool {
	return c == ClassThumbnail || c == ClassPrefetch
}

// RequestState is the lifecycle state of a retrieval request
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateInFlight  RequestState = "in-flight"
	StateComplete  RequestState = "complete"
	StateFailed    RequestState = "failed"
	StateCancelled RequestState = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s RequestState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Resource is the target of a retrieval
type Resource struct {
	Kind        ResourceKind
	StudyUID    string
	SeriesUID   string
	InstanceUID string
	Frames      []int
	BulkDataURI string
	Query       QueryParams
}

// String renders a compact description used in logs and cache keys
func (r Resource) String() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	for _, part := range []string{r.StudyUID, r.SeriesUID, r.InstanceUID} {
		if part == "" {
			break
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	if len(r.Frames) > 0 {
		b.WriteString(":frames=")
		for i, f := range r.Frames {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", f)
		}
	}
	if r.BulkDataURI != "" {
		b.WriteString(":")
		b.WriteString(r.BulkDataURI)
	}
	return b.String()
}
