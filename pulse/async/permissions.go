package async

// Actor is the caller asking to run a task.
type Actor struct {
	ID            string `json:"id,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Superuser     bool   `json:"superuser"`
}

// Anonymous is the actor for requests without credentials.
var Anonymous = Actor{}

// Permission decides whether an actor may run a registered job.
type Permission interface {
	HasPermission(actor Actor, job *RegisteredJob) bool
}

// PermissionFactory constructs a Permission. Factories run once, at registration.
type PermissionFactory func() Permission

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(actor Actor, job *RegisteredJob) bool

// HasPermission implements Permission
func (f PermissionFunc) HasPermission(actor Actor, job *RegisteredJob) bool {
	return f(actor, job)
}

// AllowAny grants every actor, anonymous included.
type AllowAny struct{}

// HasPermission implements Permission
func (AllowAny) HasPermission(Actor, *RegisteredJob) bool { return true }

// IsAuthenticated grants any actor with credentials.
type IsAuthenticated struct{}

// HasPermission implements Permission
func (IsAuthenticated) HasPermission(actor Actor, _ *RegisteredJob) bool {
	return actor.Authenticated
}

// IsSuperuser grants superusers only.
type IsSuperuser struct{}

// HasPermission implements Permission
func (IsSuperuser) HasPermission(actor Actor, _ *RegisteredJob) bool {
	return actor.Authenticated && actor.Superuser
}

// NewAllowAny is the PermissionFactory for AllowAny
func NewAllowAny() Permission { return AllowAny{} }

// NewIsAuthenticated is the PermissionFactory for IsAuthenticated
func NewIsAuthenticated() Permission { return IsAuthenticated{} }

// NewIsSuperuser is the PermissionFactory for IsSuperuser
func NewIsSuperuser() Permission { return IsSuperuser{} }
