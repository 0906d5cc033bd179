package engine

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Coordination defaults.
const (
	DefaultLockRetries = 1
	DefaultLockBackoff = 100 * time.Millisecond

	// ExitLockBusy is the exit status of a participant that could not take
	// the marker lock.
	ExitLockBusy = 75

	// SignalPrefix marks stdout lines the executor collects as signals.
	SignalPrefix = "hostpanel: signal "
)

// SharedService coordinates an expensive host-level action, such as an
// apache reload, across every backend touching it in one batch.
//
// Each participant announces itself in Prepare with a "<batch> <backend>"
// entry. At Commit it removes its own entry; the participant that leaves
// no uncommitted entry behind is the last one and performs the action,
// once, if any participant flagged a change. Others leave
// "<batch> <backend> RESTART" behind when they changed something. The
// marker is only read or written while holding "<marker>.lock", created
// with mkdir, which is atomic on the host and so serializes participants
// running as separate processes.
//
// Entries of another batch are leftovers of a batch that never finished
// committing. Prepare takes them over as restart requests of the current
// batch, so the action still fires, and reports each one with a
// "stale:<service>:<backend>" signal. Batches on one host are expected to
// run one at a time.
type SharedService struct {
	// Name identifies the service, e.g. "apache2".
	Name string

	// Batch scopes the entries written by this batch.
	Batch string

	// Dir holds the marker on the host.
	Dir string

	// Retries is how many times a busy lock is retried.
	Retries int

	// Backoff is the wait between lock attempts.
	Backoff time.Duration
}

// NewSharedService returns a service with default lock settings.
func NewSharedService(name, dir, batch string) *SharedService {
	if dir == "" {
		dir = DefaultStateDir
	}
	return &SharedService{
		Name:    name,
		Batch:   batch,
		Dir:     dir,
		Retries: DefaultLockRetries,
		Backoff: DefaultLockBackoff,
	}
}

// MarkerPath returns the host path of the marker record.
func (s *SharedService) MarkerPath() string {
	return path.Join(s.Dir, MarkerPrefix+s.Name)
}

// Signal is the signal name emitted when the shared action fires.
func (s *SharedService) Signal() string {
	return "shared:" + s.Name
}

// StaleSignal prefixes the signal emitted for each leftover entry taken
// over by Prepare; the backend name follows it.
func (s *SharedService) StaleSignal() string {
	return "stale:" + s.Name + ":"
}

const lockTemplate = `__hp_marker={{quote .marker}}
__hp_try=0
until mkdir "$__hp_marker.lock" 2>/dev/null; do
    if [ "$__hp_try" -ge {{.retries}} ]; then
        echo "hostpanel: lock $__hp_marker.lock is busy" >&2
        exit {{.busy}}
    fi
    __hp_try=$((__hp_try + 1))
    sleep {{.backoff}}
done
`

const prepareTemplate = `# {{.service}}: announce {{.backend}}
rm -f {{quote .flag}}
{{.lock}}if [ -e "$__hp_marker" ]; then
    : > "$__hp_marker.hp"
    awk -v id={{quote .batch}} -v sig={{quote .stale}} -v out="$__hp_marker.hp" '
        NF < 2 { next }
        $1 == id { print > out; next }
        { print sig $2; print id, $2, "RESTART" > out }
    ' "$__hp_marker"
    mv "$__hp_marker.hp" "$__hp_marker"
fi
printf '%s %s\n' {{quote .batch}} {{quote .backend}} >> "$__hp_marker"
rmdir "$__hp_marker.lock"`

const commitTemplate = `# {{.service}}: commit {{.backend}}
{{.lock}}__hp_state="$(awk -v b={{quote .entry}} '$0 == b && !d { d = 1; next } NF { print }' "$__hp_marker" 2>/dev/null || true)"
__hp_updated=0
if [ -e {{quote .flag}} ]; then __hp_updated=1; fi
rm -f {{quote .flag}}
if printf '%s\n' "$__hp_state" | grep -v -e ' RESTART$' -e '^$' >/dev/null; then
    printf '%s\n' "$__hp_state" | grep -v '^$' > "$__hp_marker" || true
    if [ "$__hp_updated" -eq 1 ]; then
        printf '%s RESTART\n' {{quote .entry}} >> "$__hp_marker"
        echo "{{.service}} will be handled by another participant"
    fi
    rmdir "$__hp_marker.lock"
else
    rm -f "$__hp_marker"
    __hp_rc=0
    if [ "$__hp_updated" -eq 1 ] || printf '%s\n' "$__hp_state" | grep -q ' RESTART$'; then
        echo "{{.signal}}"
        {
{{.action}}
        } || __hp_rc=$?
    fi
    rmdir "$__hp_marker.lock"
    [ "$__hp_rc" -eq 0 ] || exit "$__hp_rc"
fi`

func (s *SharedService) context(backend, flag string) (Context, error) {
	batch := s.Batch
	if batch == "" {
		batch = "-"
	}
	ctx := Context{
		"service": s.Name,
		"batch":   batch,
		"backend": backend,
		"entry":   batch + " " + backend,
		"stale":   SignalPrefix + s.StaleSignal(),
		"flag":    flag,
		"marker":  s.MarkerPath(),
		"retries": s.Retries,
		"busy":    ExitLockBusy,
		"backoff": fmt.Sprintf("%.3f", s.Backoff.Seconds()),
		"signal":  SignalPrefix + s.Signal(),
	}
	lock, err := Render("lock", lockTemplate, ctx)
	if err != nil {
		return nil, err
	}
	ctx["lock"] = lock
	return ctx, nil
}

// PrepareStatement announces backend as a participant, clears a stale flag
// left by an aborted batch and takes over leftover entries.
func (s *SharedService) PrepareStatement(backend, flag string) (string, error) {
	ctx, err := s.context(backend, flag)
	if err != nil {
		return "", err
	}
	return Render("prepare", prepareTemplate, ctx)
}

// CommitStatement runs the last-participant check for backend. flag is
// the path save statements touched when they changed something; action is
// shell text executed at most once per batch. Append it with
// Script.AppendFinally so a failed earlier statement cannot leave the
// entry behind.
func (s *SharedService) CommitStatement(backend, flag, action string) (string, error) {
	ctx, err := s.context(backend, flag)
	if err != nil {
		return "", err
	}
	ctx["action"] = indent(strings.TrimRight(action, "\n"), "            ")
	return Render("commit", commitTemplate, ctx)
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// MarkerEntry is one line of a marker record.
type MarkerEntry struct {
	Batch   string
	Backend string
	Restart bool
}

// MarkerSet is the parsed content of a marker record.
type MarkerSet struct {
	Entries []MarkerEntry
}

// ParseMarker parses newline-delimited "<batch> <backend>[ RESTART]"
// entries.
func ParseMarker(data string) MarkerSet {
	var m MarkerSet
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var entry MarkerEntry
		if n := len(fields); n > 1 && fields[n-1] == "RESTART" {
			entry.Restart = true
			fields = fields[:n-1]
		}
		if len(fields) > 1 {
			entry.Batch = fields[0]
			fields = fields[1:]
		}
		entry.Backend = strings.Join(fields, " ")
		m.Entries = append(m.Entries, entry)
	}
	return m
}

// String renders the marker record.
func (m MarkerSet) String() string {
	var b strings.Builder
	for _, e := range m.Entries {
		if e.Batch != "" {
			b.WriteString(e.Batch)
			b.WriteString(" ")
		}
		b.WriteString(e.Backend)
		if e.Restart {
			b.WriteString(" RESTART")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Batches returns the distinct batches with entries, in order of first
// appearance.
func (m MarkerSet) Batches() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range m.Entries {
		if !seen[e.Batch] {
			seen[e.Batch] = true
			out = append(out, e.Batch)
		}
	}
	return out
}

// Pending returns participants that announced themselves but have not
// committed.
func (m MarkerSet) Pending() []string {
	var out []string
	for _, e := range m.Entries {
		if !e.Restart {
			out = append(out, e.Backend)
		}
	}
	return out
}

// RestartRequested reports whether a committed participant deferred the
// shared action.
func (m MarkerSet) RestartRequested() bool {
	for _, e := range m.Entries {
		if e.Restart {
			return true
		}
	}
	return false
}
