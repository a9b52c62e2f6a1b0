package firmware

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Info is the immutable result of one resolution.
type Info struct {
	serial     string
	message    string
	details    []string
	installed  string
	released   string
	latest     string
	mustLoad   bool
	mayDelete  bool
	mustSave   bool
	registered TriState
	certified  TriState
	verdict    Status
	resolvedAt time.Time
}

func (i *Info) SerialNumber() string { return i.serial }
func (i *Info) StatusMessage() string { return i.message }
func (i *Info) InstalledVersion() string { return i.installed }
func (i *Info) ReleasedVersion() string { return i.released }
func (i *Info) LatestVersion() string { return i.latest }
func (i *Info) MustLoad() bool { return i.mustLoad }
func (i *Info) MayDelete() bool { return i.mayDelete }
func (i *Info) MustSave() bool { return i.mustSave }
func (i *Info) Registered() TriState { return i.registered }
func (i *Info) Certified() TriState { return i.certified }
func (i *Info) Verdict() Status { return i.verdict }
func (i *Info) ResolvedAt() time.Time { return i.resolvedAt }
func (i *Info) StatusDetails() []string { return append([]string(nil), i.details...) }
func (i *Info) Details() string { return strings.Join(i.details, "\n") }

// Conclusive reports whether the verdict is backed by an identified node.
// A node without a serial number keeps the default verdict, which must not
// be read as Current.
func (i *Info) Conclusive() bool { return i.serial != "" }

func boolText(b bool) string { return TriStateOf(b).String() }

// Report renders the fixed-order text report.
func (i *Info) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", i.message)
	for _, d := range i.details {
		fmt.Fprintf(&b, "  %s\n", d)
	}
	b.WriteString("Versions:\n")
	fmt.Fprintf(&b, "  Latest: %s\n", i.latest)
	fmt.Fprintf(&b, "  Released: %s\n", i.released)
	fmt.Fprintf(&b, "  Installed: %s\n", i.installed)
	fmt.Fprintf(&b, "Must Load: %s\n", boolText(i.mustLoad))
	fmt.Fprintf(&b, "May Delete: %s\n", boolText(i.mayDelete))
	fmt.Fprintf(&b, "Must Save: %s\n", boolText(i.mustSave))
	fmt.Fprintf(&b, "Registered: %s\n", i.registered)
	fmt.Fprintf(&b, "Certified: %s\n", i.certified)
	fmt.Fprintf(&b, "Firmware Status: %s\n", i.verdict.Display())
	return b.String()
}

type infoJSON struct {
	SerialNumber     string    `json:"serial_number"`
	StatusMessage    string    `json:"status_message"`
	StatusDetails    []string  `json:"status_details,omitempty"`
	InstalledVersion string    `json:"installed_version"`
	ReleasedVersion  string    `json:"released_version"`
	LatestVersion    string    `json:"latest_version"`
	MustLoad         bool      `json:"must_load"`
	MayDelete        bool      `json:"may_delete"`
	MustSave         bool      `json:"must_save"`
	Registered       string    `json:"registered"`
	Certified        string    `json:"certified"`
	Verdict          string    `json:"verdict"`
	Conclusive       bool      `json:"conclusive"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

func (i *Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(infoJSON{
		SerialNumber:     i.serial,
		StatusMessage:    i.message,
		StatusDetails:    i.details,
		InstalledVersion: i.installed,
		ReleasedVersion:  i.released,
		LatestVersion:    i.latest,
		MustLoad:         i.mustLoad,
		MayDelete:        i.mayDelete,
		MustSave:         i.mustSave,
		Registered:       i.registered.String(),
		Certified:        i.certified.String(),
		Verdict:          i.verdict.String(),
		Conclusive:       i.Conclusive(),
		ResolvedAt:       i.resolvedAt,
	})
}

// ParseInfo restores a persisted report.
func ParseInfo(data []byte) (*Info, error) {
	var j infoJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode firmware info: %w", err)
	}
	verdict, err := ParseStatus(j.Verdict)
	if err != nil {
		return nil, err
	}
	return &Info{
		serial:     j.SerialNumber,
		message:    j.StatusMessage,
		details:    j.StatusDetails,
		installed:  j.InstalledVersion,
		released:   j.ReleasedVersion,
		latest:     j.LatestVersion,
		mustLoad:   j.MustLoad,
		mayDelete:  j.MayDelete,
		mustSave:   j.MustSave,
		registered: ParseTriState(j.Registered),
		certified:  ParseTriState(j.Certified),
		verdict:    verdict,
		resolvedAt: j.ResolvedAt,
	}, nil
}
