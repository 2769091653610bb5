package types

import "github.com/google/uuid"

// ID prefixes for each persisted entity.
const (
	PrefixOrganization = "org_"
	PrefixMember       = "mem_"
	PrefixFile         = "file_"
	PrefixFileVersion  = "fv_"
	PrefixUsageLog     = "ul_"
	PrefixBillingEvent = "be_"
	PrefixTemplate     = "tpl_"
	PrefixAIAnswers    = "aia_"
	PrefixAIBuild      = "aib_"
	PrefixEmail        = "em_"
)

// NewID returns a prefixed random identifier, e.g. "org_3f1c...".
func NewID(prefix string) string {
	return prefix + uuid.New().String()
}
