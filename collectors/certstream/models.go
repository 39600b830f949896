package certstream

// Entry is one message from a certstream-compatible aggregator.
type Entry struct {
	MessageType string `json:"message_type"`
	Data        Data   `json:"data"`
}

type Data struct {
	UpdateType string     `json:"update_type"`
	LeafCert   LeafCert   `json:"leaf_cert"`
	Chain      []LeafCert `json:"chain,omitempty"`
	CertIndex  int64      `json:"cert_index"`
	Seen       float64    `json:"seen"`
	Source     Source     `json:"source"`
}

type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type LeafCert struct {
	Subject      Subject    `json:"subject"`
	Extensions   Extensions `json:"extensions"`
	NotBefore    float64    `json:"not_before"`
	NotAfter     float64    `json:"not_after"`
	SerialNumber string     `json:"serial_number"`
	Fingerprint  string     `json:"fingerprint"`
	AllDomains   []string   `json:"all_domains,omitempty"`
}

type Subject struct {
	C          *string `json:"C"`
	CN         *string `json:"CN"`
	L          *string `json:"L"`
	O          *string `json:"O"`
	OU         *string `json:"OU"`
	ST         *string `json:"ST"`
	Aggregated *string `json:"aggregated"`
}

type Extensions struct {
	BasicConstraints *string `json:"basicConstraints,omitempty"`
	KeyUsage         *string `json:"keyUsage,omitempty"`
	ExtendedKeyUsage *string `json:"extendedKeyUsage,omitempty"`
	SubjectAltName   *string `json:"subjectAltName,omitempty"`
}
