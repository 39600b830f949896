package store

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SiteRecord is the persisted result for a single flagged domain. One
// record is created per flagged domain occurrence; re-issuance of the same
// domain creates a new record. The score only ever grows after creation,
// and only via atomic increments.
type SiteRecord struct {
	ID                   primitive.ObjectID `bson:"_id,omitempty"`
	Domain               string             `bson:"certphisher_site"`
	Score                int                `bson:"certphisher_score"`
	CertificateAuthority string             `bson:"certificate_authority"`
	CheckedVT            bool               `bson:"checked_vt"`
	VTReportSaved        bool               `bson:"vt_report_saved"`
	UrlscanPermalink     string             `bson:"urlscan_permalink,omitempty"`
	UrlscanUUID          string             `bson:"urlscan_uuid,omitempty"`
}

// CACount is one bucket of the per-CA aggregation.
type CACount struct {
	CertificateAuthority string `bson:"_id"`
	Count                int64  `bson:"count"`
}
