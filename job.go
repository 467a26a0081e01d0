package batchjob

import (
	"sort"
	"strings"
	"time"
)

// JobPropertyPrefix marks tenant properties that declare a job. The job name
// is the remainder of the key.
const JobPropertyPrefix = "batchjob.job."

// JobDefinition is a cron-like job declared in a tenant's configuration.
type JobDefinition struct {
	// Name is the property key without JobPropertyPrefix.
	Name string

	// Schedule holds minute, hour, day-of-month, month and day-of-week.
	Schedule [5]string

	// TargetRef identifies the job body for the Executor, without any
	// query suffix.
	TargetRef string
}

// ParseJobDefinition builds a definition from one property pair. The value
// is "<min> <hour> <dom> <month> <dow> <target>"; extra tokens are ignored.
func ParseJobDefinition(key, value string) (JobDefinition, error) {
	var def JobDefinition

	def.Name = strings.TrimPrefix(key, JobPropertyPrefix)
	if def.Name == "" {
		return def, invalidSchedulef("property %q: missing job name", key)
	}
	if strings.Contains(def.Name, "/") {
		return def, invalidSchedulef("property %q: job name must not contain '/'", key)
	}

	tokens := strings.Fields(value)
	if len(tokens) < 6 {
		return def, invalidSchedulef("job %q: expected 5 schedule fields and a target, got %d tokens", def.Name, len(tokens))
	}
	copy(def.Schedule[:], tokens[:5])

	target := tokens[5]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return def, invalidSchedulef("job %q: empty target", def.Name)
	}
	def.TargetRef = target
	return def, nil
}

// ScheduleString returns the schedule fields joined by spaces.
func (d JobDefinition) ScheduleString() string {
	return strings.Join(d.Schedule[:], " ")
}

// Due returns the fire timestamps of the definition inside [now, windowEnd].
func (d JobDefinition) Due(now, windowEnd time.Time) ([]string, error) {
	return NextFireTimestamps(d.Schedule, now, windowEnd)
}

// jobProperty is one raw (key, value) pair in evaluation order.
type jobProperty struct {
	key, value string
}

// sortedJobProperties keeps only job keys and orders them by key so every
// pod walks a tenant's definitions in the same order.
func sortedJobProperties(props map[string]string) []jobProperty {
	out := make([]jobProperty, 0, len(props))
	for k, v := range props {
		if strings.HasPrefix(k, JobPropertyPrefix) {
			out = append(out, jobProperty{key: k, value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
