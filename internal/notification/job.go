package notification

import "github.com/ovaphlow/pitchfork/service-accounts/pkg/utilities"

// Template names an embedded mail template.
type Template string

const (
	ActivationLink       Template = "activation-link"
	EmailChanged         Template = "email-changed"
	StructureCreated     Template = "structure-created"
	AccountActivated     Template = "account-activated"
	AccountDeactivated   Template = "account-deactivated"
	StructureActivated   Template = "structure-activated"
	StructureDeactivated Template = "structure-deactivated"
	NewPasswordLink      Template = "newpassword-link"
	AccountDeleted       Template = "account-deleted"
	StructureDeleted     Template = "structure-account-deleted"
	StructureRemoved     Template = "structure-removed"
	StructureAdded       Template = "structure-added"
)

// Job is one pending notification. Vars are substituted into the template;
// app_name is always available.
type Job struct {
	ID       string            `json:"id"`
	Template Template          `json:"template"`
	To       string            `json:"to"`
	Vars     map[string]string `json:"vars"`
}

// NewJob returns a job with a fresh id.
func NewJob(tpl Template, to string, vars map[string]string) Job {
	return Job{ID: utilities.NewJobID(), Template: tpl, To: to, Vars: vars}
}

// Outbox collects the jobs produced by a service operation. The caller hands
// them to a Dispatcher once the operation succeeded.
type Outbox []Job

func (o *Outbox) Add(tpl Template, to string, vars map[string]string) {
	*o = append(*o, NewJob(tpl, to, vars))
}

// Templates lists the templates in o, in order.
func (o Outbox) Templates() []Template {
	out := make([]Template, 0, len(o))
	for _, j := range o {
		out = append(out, j.Template)
	}
	return out
}
