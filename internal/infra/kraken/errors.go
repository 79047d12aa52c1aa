package kraken

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// codeKinds maps exchange error codes (matched by prefix; Kraken appends
// detail after a further colon) to a classification.
var codeKinds = []struct {
	prefix string
	kind   errs.Kind
}{
	{"EAPI:Invalid key", errs.KindAuthentication},
	{"EAPI:Invalid signature", errs.KindAuthentication},
	{"EAPI:Invalid nonce", errs.KindAuthentication},
	{"EGeneral:Permission denied", errs.KindAuthentication},
	{"EAPI:Feature disabled", errs.KindAuthentication},

	{"EAPI:Rate limit exceeded", errs.KindRateLimit},
	{"EOrder:Rate limit exceeded", errs.KindRateLimit},
	{"EGeneral:Too many requests", errs.KindRateLimit},
	{"EService:Throttled", errs.KindRateLimit},

	{"EService:Unavailable", errs.KindNetwork},
	{"EService:Busy", errs.KindNetwork},
	{"EGeneral:Internal error", errs.KindNetwork},
	{"EService:Deadline elapsed", errs.KindTimeout},

	{"EGeneral:Invalid arguments", errs.KindValidation},
	{"EGeneral:Unknown method", errs.KindValidation},
	{"EAPI:Bad request", errs.KindValidation},
	{"EOrder:", errs.KindValidation},
	{"EQuery:", errs.KindValidation},
	{"EFunding:", errs.KindValidation},
}

// remediation hints surfaced with critical errors.
var remediation = map[errs.Kind]string{
	errs.KindAuthentication: "check the API key, its permissions and the nonce state for this credential",
	errs.KindRateLimit:      "the breaker cools down before the next attempt",
}

// classifyCodes returns the most severe kind among codes, or ok=false when
// none is recognised.
func classifyCodes(codes []string) (errs.Kind, bool) {
	best, found := errs.KindUnknown, false
	for _, code := range codes {
		for _, ck := range codeKinds {
			if strings.HasPrefix(code, ck.prefix) {
				if !found || severity(ck.kind) > severity(best) {
					best, found = ck.kind, true
				}
				break
			}
		}
	}
	return best, found
}

func severity(k errs.Kind) int {
	switch k {
	case errs.KindAuthentication:
		return 4
	case errs.KindRateLimit:
		return 3
	case errs.KindValidation:
		return 2
	case errs.KindNetwork, errs.KindTimeout:
		return 1
	default:
		return 0
	}
}

// classifyHTTP is the fallback when the body carries no error codes.
func classifyHTTP(status int) errs.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.KindAuthentication
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return errs.KindTimeout
	case status >= 500:
		return errs.KindNetwork
	case status >= 400:
		return errs.KindValidation
	default:
		return errs.KindUnknown
	}
}

// classifyTransport maps a failed round trip.
func classifyTransport(err error) errs.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.KindTimeout
	}
	return errs.KindNetwork
}

// countsAsBreakerFailure decides what trips the REST breaker: dependency
// health problems, not caller mistakes or credential faults.
func countsAsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindAuthentication, errs.KindConfiguration:
		return false
	default:
		return true
	}
}
