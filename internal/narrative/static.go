package narrative

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/sentinel/internal/notify"
)

// Static is a template-based generator used when no model endpoint is
// configured. It never fails.
type Static struct{}

// Summarize returns a fixed intro listing the reasons.
func (Static) Summarize(_ context.Context, req notify.NarrativeRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n", req.CustomerName)
	b.WriteString("We have temporarily held recent activity on your account because it looked unusual")
	if len(req.Reasons) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(req.Reasons, "; "))
	}
	b.WriteString(".\nPlease review the transactions below and reply Yes if you made them or No if you did not.")
	return b.String(), nil
}

var _ notify.NarrativeGenerator = Static{}
