package middleware

import (
	"net/http"
	"strings"

	"github.com/gobwas/glob"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
)

const inboxCapacity = 16

// compiledMatcher is one PathMatcher with its glob pre-compiled and its
// method set expanded, so the hot path never touches regexp/strings.Split.
type compiledMatcher struct {
	methods map[string]struct{}
	pattern glob.Glob
}

var allMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodConnect,
	http.MethodOptions, http.MethodTrace,
}

func compileMatcher(pm model.PathMatcher) (compiledMatcher, error) {
	g, err := glob.Compile(pm.Path, '/')
	if err != nil {
		return compiledMatcher{}, err
	}
	set := map[string]struct{}{}
	for _, m := range strings.Split(pm.Methods, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "*" {
			for _, a := range allMethods {
				set[a] = struct{}{}
			}
			continue
		}
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return compiledMatcher{methods: set, pattern: g}, nil
}

func (m compiledMatcher) matches(method, path string) bool {
	if _, ok := m.methods[strings.ToUpper(method)]; !ok {
		return false
	}
	return m.pattern.Match(path)
}

// aclRule is one compiled FilterSetting of kind ACL.
type aclRule struct {
	allow    bool // true="allow" policy, false="deny" policy
	matchers []compiledMatcher
}

func compileACLRule(f model.FilterSetting) aclRule {
	rule := aclRule{allow: f.AccessControl == "allow"}
	for _, pm := range f.Match {
		if cm, err := compileMatcher(pm); err == nil {
			rule.matchers = append(rule.matchers, cm)
		}
	}
	return rule
}

func (r aclRule) permits(method, path string) bool {
	for _, m := range r.matchers {
		if m.matches(method, path) {
			return r.allow
		}
	}
	return !r.allow
}

// ACL is the pre-only access-control middleware of spec.md §4.7.1. It is
// an independent actor: a goroutine selecting between pipeline messages
// and config updates, so its compiled-matcher cache never needs a lock.
//
// The filter lists a request carries (RequestContext.ServiceFilters /
// ClientFilters) are fully determined by (service_id, sla): service
// filters are ServiceInfo.Filters and client filters are
// ServiceInfo.SLAFilters(sla), both fixed per service. So the compiled
// glob set for a given (service_id, sla) pair never changes between a
// ConfigUpdate that touches that service and the next one, and is cached
// here rather than recompiled on every request.
type ACL struct {
	preCh    chan pipeline.PreRequest
	updateCh <-chan model.ConfigUpdate

	cache map[string][]aclRule // key: service_id + "\x00" + sla
}

// NewACL builds the actor and starts its loop. updateCh should be a
// subscription obtained from configbus.Broadcaster.Subscribe.
func NewACL(updateCh <-chan model.ConfigUpdate) *ACL {
	a := &ACL{
		preCh:    make(chan pipeline.PreRequest, inboxCapacity),
		updateCh: updateCh,
		cache:    make(map[string][]aclRule),
	}
	go a.run()
	return a
}

// Handle returns the driver-facing registration for this middleware.
func (a *ACL) Handle() pipeline.Handle {
	return pipeline.Handle{
		Name:           "acl",
		Pre:            true,
		Post:           false,
		RequireSetting: true,
		PreCh:          a.preCh,
	}
}

func (a *ACL) run() {
	for {
		select {
		case u, ok := <-a.updateCh:
			if !ok {
				return
			}
			a.applyUpdate(u)
		case req, ok := <-a.preCh:
			if !ok {
				return
			}
			a.handle(req)
		}
	}
}

// applyUpdate evicts every cached (service_id, sla) entry for a service
// whose filters just changed or disappeared. Client updates never touch
// filter content, so they are a no-op here.
func (a *ACL) applyUpdate(u model.ConfigUpdate) {
	var serviceID string
	switch u.Kind {
	case model.UpdateService:
		serviceID = u.Service.ServiceID
	case model.UpdateServiceRemove:
		serviceID = u.ServiceID
	default:
		return
	}
	prefix := serviceID + "\x00"
	for key := range a.cache {
		if strings.HasPrefix(key, prefix) {
			delete(a.cache, key)
		}
	}
}

func (a *ACL) handle(msg pipeline.PreRequest) {
	key := msg.RCtx.ServiceID + "\x00" + msg.RCtx.SLA
	rules, ok := a.cache[key]
	if !ok {
		rules = compileRules(msg.ServiceFilters, msg.ClientFilters)
		a.cache[key] = rules
	}

	path := msg.RCtx.APIPath
	method := msg.Request.Method

	for _, rule := range rules {
		if !rule.permits(method, path) {
			msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeAccessBlocked, "blocked by ACL policy")}
			return
		}
	}
	msg.Reply <- pipeline.PreResponse{Next: msg.Request}
}

func compileRules(service, client []model.FilterSetting) []aclRule {
	rules := make([]aclRule, 0, len(service)+len(client))
	for _, f := range service {
		if f.Kind == model.FilterACL {
			rules = append(rules, compileACLRule(f))
		}
	}
	for _, f := range client {
		if f.Kind == model.FilterACL {
			rules = append(rules, compileACLRule(f))
		}
	}
	return rules
}
