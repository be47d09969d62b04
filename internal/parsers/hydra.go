package parsers

import (
	"regexp"
	"strings"
	"time"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

// Sealer encrypts a credential secret before it ever reaches an Entity's
// data_json column. internal/credstore.Sealer satisfies this.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// hydraHitLine matches hydra's "[PORT][service] host: HOST   login: USER   password: PASS"
// success-line format.
var hydraHitLine = regexp.MustCompile(`^\[\d+\]\[(\S+)\]\s+host:\s*(\S+)\s+login:\s*(\S+)\s+password:\s*(\S+)`)

// NewHydraParser builds the `hydra` Parser. Every recovered password is
// sealed with sealer before it is placed on a CredentialData entity, so
// a plaintext secret never sits in the Knowledge Store even transiently
// — the same boundary the teacher's persistence layer draws around its
// own encrypted-export payloads, just drawn at parse time instead of
// export time.
func NewHydraParser(sealer Sealer) Parser {
	return ParserFunc(func(raw []byte, ctx Context) (Result, error) {
		var entities []knowledge.Entity
		var relationships []knowledge.Relationship
		var errs []string
		now := time.Now().UTC()

		serviceID := ctx.UpstreamPort

		for _, line := range strings.Split(string(raw), "\n") {
			m := hydraHitLine.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			service, host, username, password := m[1], m[2], m[3], m[4]

			context := serviceID
			if context == "" {
				context = entityid.Host(host)
			}

			sealed, err := sealer.Seal([]byte(password))
			if err != nil {
				errs = append(errs, "seal credential for "+username+": "+err.Error())
				continue
			}

			credID := entityid.Credential(username, context)
			entities = append(entities, knowledge.Entity{
				ID:           credID,
				Kind:         knowledge.KindCredential,
				DiscoveredBy: ctx.ToolID,
				DiscoveredAt: now,
				UpdatedAt:    now,
				Status:       knowledge.StatusVerified,
				Confidence:   0.95,
				Tags:         []string{service},
				Data: knowledge.CredentialData{
					Username: username,
					Secret:   sealed,
					Kind:     "password",
					Context:  context,
					Valid:    true,
				},
			})
			if serviceID != "" {
				relationships = append(relationships, knowledge.Relationship{
					ParentID: serviceID, ChildID: credID, Type: knowledge.RelHasCredential,
				})
			}
		}

		return Result{Entities: entities, Relationships: relationships, Errors: errs}, nil
	})
}
