package docker

import (
	"fmt"
	"sort"
	"strings"
)

// Label key constants define the Docker label keys dockerit puts on the
// workload containers it creates. All keys share the "dockerit." prefix to
// avoid collisions with labels set by the image itself or by other tools.
const (
	// LabelPrefix is the common prefix for all dockerit labels.
	LabelPrefix = "dockerit."

	// LabelManagedBy identifies containers created by dockerit.
	// Key: "dockerit.managed-by", Value: always "dockerit".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelInstance names a workload slot. Running the same instance twice
	// replaces the previous container because the label sets are equal.
	// Key: "dockerit.instance", Value: instance name (e.g., "jenkins-1.609").
	LabelInstance = LabelPrefix + "instance"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "dockerit"

// BuildWorkloadLabels returns the label set for a workload container: the
// management labels plus any caller-supplied extras. Extras may not
// override the management keys.
func BuildWorkloadLabels(instance string, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		labels[k] = v
	}
	labels[LabelManagedBy] = ManagedByValue
	labels[LabelInstance] = instance
	return labels
}

// FilterLabels returns the label filter that selects containers managed
// by dockerit.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}

// ParseLabelFlags converts "key=value" strings (as given on the command line
// with --label) into a label map. A missing "=" yields an empty value, the
// same way `docker run --label key` behaves.
func ParseLabelFlags(flags []string) (map[string]string, error) {
	labels := make(map[string]string, len(flags))
	for _, f := range flags {
		key, value, _ := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid label %q: key must not be empty", f)
		}
		labels[key] = value
	}
	return labels, nil
}

// FormatLabels renders a label map as sorted "key=value" pairs, used in
// log output so that equal label sets always print identically.
func FormatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
