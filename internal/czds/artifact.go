package czds

import (
	"fmt"
	"time"
)

// ArtifactName returns the on-disk name of a zone snapshot: {TLD}_{YYYYMMDD}.zone.gz.
func ArtifactName(tld string, date time.Time) string {
	return fmt.Sprintf("%s_%s.zone.gz", tld, date.Format("20060102"))
}
