package types

// ManifestComponents records which slices of the local store a snapshot
// includes.
type ManifestComponents struct {
	Database    bool `json:"database"`
	ProjectData bool `json:"project_data"`
	Templates   bool `json:"templates"`
	Configs     bool `json:"configs"`
}

// Manifest describes one snapshot held in the object store. Field names are
// part of the on-disk format; do not rename.
type Manifest struct {
	BackupDate      string             `json:"backup_date"`      // yyyymmdd_HHMMSS, doubles as the backup id
	BackupTimestamp string             `json:"backup_timestamp"` // ISO-8601 UTC
	Mode            DeploymentMode     `json:"mode"`
	Components      ManifestComponents `json:"components"`
	Bucket          string             `json:"bucket"`
	Prefix          string             `json:"prefix"`
	ContentHash     string             `json:"content_hash"` // hex SHA-256 of the archive
	SizeBytes       int64              `json:"size_bytes"`
	RecordCount     int64              `json:"record_count,omitempty"`
}
