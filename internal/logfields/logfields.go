package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyProject    = "project"
	KeyVersion    = "version"
	KeyIdentity   = "identity"
	KeySite       = "site"
	KeySlot       = "slot"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyInclude    = "include"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Project(name string) slog.Attr   { return slog.String(KeyProject, name) }
func Version(v string) slog.Attr      { return slog.String(KeyVersion, v) }
func Identity(id string) slog.Attr    { return slog.String(KeyIdentity, id) }
func Site(name string) slog.Attr      { return slog.String(KeySite, name) }
func Slot(slot string) slog.Attr      { return slog.String(KeySlot, slot) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Include(ref string) slog.Attr    { return slog.String(KeyInclude, ref) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
