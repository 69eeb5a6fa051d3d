package gatekeeper

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================================
// AUTHORIZATION RUNNER
// ============================================================================

// Engine orchestrates the access-check pipeline: resolve names, apply the
// waterfall, residualize candidate rules, execute the assembled predicate,
// and produce the verdict or id list.
type Engine struct {
	entities  EntityStore
	rules     RuleStore
	resources ResourceStore
	cache     *Cache
	audit     *auditQueue
	log       logger.Logger

	itemConcurrency int
	storeRetry      bool

	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default structured logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithItemConcurrency bounds how many access items of one request run at
// once.
func WithItemConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.itemConcurrency = n
		}
	}
}

// WithoutStoreRetry disables the single retry on store failures.
func WithoutStoreRetry() Option {
	return func(e *Engine) { e.storeRetry = false }
}

// NewEngine wires the stores together. auditStore may be nil to disable
// auditing; cfg sizes the name→id cache and the audit queue.
func NewEngine(entities EntityStore, rules RuleStore, resources ResourceStore, auditStore AuditStore, cfg EngineConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		entities:        entities,
		rules:           rules,
		resources:       resources,
		log:             logger.NewOarkLogger(),
		itemConcurrency: cfg.ItemConcurrency,
		storeRetry:      true,
	}
	if e.itemConcurrency <= 0 {
		e.itemConcurrency = 8
	}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := NewCache(entities, CacheConfig{
		NumCounters: cfg.CacheNumCounters,
		MaxCost:     cfg.CacheMaxCost,
		RealmTTL:    cfg.RealmTTL(),
		DecisionTTL: cfg.DecisionTTL(),
	})
	if err != nil {
		return nil, err
	}
	e.cache = cache
	e.audit = newAuditQueue(auditStore, cfg.AuditQueueDepth, e.log)
	return e, nil
}

// Close flushes the audit queue and releases the cache. Safe to call more
// than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.audit.close()
		e.cache.Close()
	})
}

// Cache exposes the name→id cache for CRUD layers to invalidate.
func (e *Engine) Cache() *Cache { return e.cache }

// AuditDropped reports audit records discarded under backpressure.
func (e *Engine) AuditDropped() uint64 { return e.audit.Dropped() }

// ============================================================================
// RULE WRITE PATH (compilation trigger)
// ============================================================================

// SaveRule validates and compiles the rule's condition tree, then persists
// the row with the fragment and its hash. This is the write-time JIT step:
// a failed validation surfaces ErrInvalidPolicy and leaves any previously
// active row untouched. Saving supersedes the row with the same canonical
// subject-scope key.
func (e *Engine) SaveRule(ctx context.Context, rule *Rule) (*Rule, error) {
	if rule.PrincipalID == nil && rule.RoleID == nil {
		return nil, invalidPolicyf("rule requires exactly one subject (role or principal)")
	}
	if rule.PrincipalID != nil && rule.RoleID != nil {
		return nil, invalidPolicyf("rule must not carry both role and principal")
	}
	rule.State = RuleDraft
	frag, err := Compile(rule.Conditions)
	if err != nil {
		return nil, err
	}
	rule.CompiledSQL = frag.SQL
	if rule.Conditions != nil {
		rule.CompiledHash = rule.Conditions.Hash()
	} else {
		rule.CompiledHash = ""
	}
	rule.State = RuleCompiled
	saved, err := e.rules.Save(ctx, rule)
	if err != nil {
		return nil, storeFailure(err)
	}
	e.cache.InvalidateDecisions(rule.RealmID)
	e.log.Debug("rule compiled",
		"realm_id", rule.RealmID, "type_id", rule.TypeID,
		"action_id", rule.ActionID, "hash", rule.CompiledHash)
	return saved, nil
}

// DeleteRule retires a rule; subsequent requests no longer consider it.
func (e *Engine) DeleteRule(ctx context.Context, realmID, ruleID int64) error {
	if err := e.rules.Delete(ctx, realmID, ruleID); err != nil {
		return storeFailure(err)
	}
	e.cache.InvalidateDecisions(realmID)
	return nil
}

// ============================================================================
// CHECK ACCESS
// ============================================================================

// CheckAccess answers every item of the request. Items run concurrently
// under a bounded semaphore and the results are joined in request order.
// principal may be nil for anonymous requests.
func (e *Engine) CheckAccess(ctx context.Context, principal *Principal, req *CheckAccessRequest) (*CheckAccessResponse, error) {
	rc, err := e.newRequestContext(ctx, principal, req.RealmName, req.RoleNames, req.AuthContext)
	if err != nil {
		return nil, err
	}

	preresolved, err := e.batchResolveExternalIDs(ctx, rc, req.ReqAccess)
	if err != nil {
		return nil, err
	}

	results := make([]AccessResponseItem, len(req.ReqAccess))
	sem := make(chan struct{}, e.itemConcurrency)
	errCh := make(chan error, len(req.ReqAccess))
	done := make(chan int, len(req.ReqAccess))

	for i := range req.ReqAccess {
		go func(idx int) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errCh <- mapCtxErr(ctx.Err())
				return
			}
			defer func() { <-sem }()
			item := req.ReqAccess[idx]
			res, err := e.processItem(ctx, rc, item, preresolved)
			if err != nil {
				errCh <- err
				return
			}
			results[idx] = res
			done <- idx
		}(i)
	}
	for range req.ReqAccess {
		select {
		case err := <-errCh:
			return nil, err
		case <-done:
		}
	}
	return &CheckAccessResponse{Results: results}, nil
}

// requestContext carries the resolved per-request state shared by items.
type requestContext struct {
	realm     *RealmMap
	principal *Principal
	subjects  subjectSet
	// principalDoc/contextDoc are the residual-evaluation bindings; authDoc
	// is the combined document bound into executed predicates.
	principalDoc Bindings
	contextDoc   Bindings
	authDoc      map[string]any
}

func (e *Engine) newRequestContext(ctx context.Context, principal *Principal, realmName string, roleNames []string, authContext map[string]any) (*requestContext, error) {
	m, err := e.cache.RealmMap(ctx, realmName)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		principal = AnonymousPrincipal()
	}
	var roles []int64
	if !principal.IsAnonymous() {
		if principal.RoleIDs != nil {
			roles = principal.RoleIDs
		} else if roles, err = e.cache.PrincipalRoles(ctx, principal.ID); err != nil {
			return nil, err
		}
	}
	rc := &requestContext{
		realm:      m,
		principal:  principal,
		subjects:   resolveSubjects(principal, roles, roleNames, m),
		contextDoc: authContext,
	}
	rc.principalDoc = principalBindings(principal, m.ID)
	rc.authDoc = map[string]any{
		"principal": map[string]any(rc.principalDoc),
		"context":   authContext,
	}
	if authContext == nil {
		rc.authDoc["context"] = map[string]any{}
	}
	return rc, nil
}

// principalBindings merges the principal's attribute map with its static
// identity fields, the way the stored auth document exposes them.
func principalBindings(p *Principal, realmID int64) Bindings {
	doc := make(Bindings, len(p.Attributes)+3)
	for k, v := range p.Attributes {
		doc[k] = v
	}
	doc["id"] = p.ID
	doc["username"] = p.Username
	doc["realm_id"] = realmID
	return doc
}

// batchResolveExternalIDs resolves every external id of the request up
// front: cache first, then a single store query per type for the misses.
// Unresolved ids are simply absent from the result.
func (e *Engine) batchResolveExternalIDs(ctx context.Context, rc *requestContext, items []AccessRequestItem) (map[string]map[string]int64, error) {
	byType := make(map[string][]string)
	for _, item := range items {
		if len(item.ExternalResourceIDs) == 0 {
			continue
		}
		if _, ok := rc.realm.Type(item.ResourceTypeName); !ok {
			continue
		}
		seen := make(map[string]bool)
		for _, ext := range byType[item.ResourceTypeName] {
			seen[ext] = true
		}
		for _, ext := range item.ExternalResourceIDs {
			if !seen[ext] {
				byType[item.ResourceTypeName] = append(byType[item.ResourceTypeName], ext)
				seen[ext] = true
			}
		}
	}
	out := make(map[string]map[string]int64, len(byType))
	for typeName, extIDs := range byType {
		entry, _ := rc.realm.Type(typeName)
		resolved := e.cache.ExternalIDs(rc.realm.ID, entry.ID, extIDs)
		var misses []string
		for _, ext := range extIDs {
			if _, ok := resolved[ext]; !ok {
				misses = append(misses, ext)
			}
		}
		if len(misses) > 0 {
			fetched, err := withRetry(e, ctx, func() (map[string]int64, error) {
				return e.resources.ResolveExternalIDs(ctx, rc.realm.ID, entry.ID, misses)
			})
			if err != nil {
				return nil, err
			}
			for ext, rid := range fetched {
				resolved[ext] = rid
			}
			e.cache.StoreExternalIDs(rc.realm.ID, entry.ID, fetched)
		}
		out[typeName] = resolved
	}
	return out, nil
}

func (e *Engine) processItem(ctx context.Context, rc *requestContext, item AccessRequestItem, preresolved map[string]map[string]int64) (AccessResponseItem, error) {
	out := AccessResponseItem{
		ResourceTypeName: item.ResourceTypeName,
		ActionName:       item.ActionName,
	}
	deny := func() AccessResponseItem {
		out.Answer = denyAnswer(item.ReturnType)
		return out
	}

	typeEntry, okType := rc.realm.Type(item.ResourceTypeName)
	actionID, okAction := rc.realm.ActionID(item.ActionName)
	if !okType || !okAction {
		// Unknown names deny the affected item only.
		e.log.Debug("unknown entity in access item",
			"type", item.ResourceTypeName, "action", item.ActionName)
		return deny(), nil
	}

	// Map requested external ids to internal ids; unresolved ids are
	// excluded from the output rather than reported.
	var idFilter []int64
	externalOf := make(map[int64]string)
	if len(item.ExternalResourceIDs) > 0 {
		mappings := preresolved[item.ResourceTypeName]
		for _, ext := range item.ExternalResourceIDs {
			if rid, ok := mappings[ext]; ok {
				idFilter = append(idFilter, rid)
				externalOf[rid] = ext
			}
		}
	}

	// Level 1: public type.
	if typeEntry.IsPublic {
		answer, err := e.publicAnswer(ctx, rc, item, typeEntry, externalOf)
		if err != nil {
			return out, err
		}
		out.Answer = answer
		e.auditDecision(rc, item, answer, nil)
		return out, nil
	}

	// Cached type-level decisions keep hot decision checks off the store.
	// Requests carrying ad-hoc context are never served from this cache:
	// the context can change the outcome without changing the key.
	cacheableDecision := item.ReturnType == ReturnDecision && len(item.ExternalResourceIDs) == 0 && len(rc.contextDoc) == 0
	if cacheableDecision {
		if dec, ok := e.cache.Decision(rc.realm.ID, rc.subjects.PrincipalID, typeEntry.ID, actionID, rc.subjects.RoleIDs); ok {
			out.Answer = AccessAnswer{IsDecision: true, Decision: dec}
			e.auditDecision(rc, item, out.Answer, nil)
			return out, nil
		}
	}

	candidates, err := withRetry(e, ctx, func() ([]*Rule, error) {
		return e.rules.Candidates(ctx, rc.realm.ID, typeEntry.ID, actionID, rc.subjects.PrincipalID, rc.subjects.RoleIDs)
	})
	if err != nil {
		return out, err
	}

	sel, err := selectRules(candidates, rc.principalDoc, rc.contextDoc)
	if err != nil {
		return out, err
	}

	// Requested ids that all failed to resolve: unresolved ids are excluded
	// from the output, so nothing is left to authorize.
	if len(item.ExternalResourceIDs) > 0 && len(idFilter) == 0 {
		out.Answer = denyAnswer(item.ReturnType)
		e.auditDecision(rc, item, out.Answer, nil)
		return out, nil
	}

	answer, internalIDs, err := e.executeSelection(ctx, rc, item, typeEntry, sel, idFilter, externalOf)
	if err != nil {
		return out, err
	}
	out.Answer = answer

	if cacheableDecision {
		e.cache.StoreDecision(rc.realm.ID, rc.subjects.PrincipalID, typeEntry.ID, actionID, rc.subjects.RoleIDs, answer.Decision)
	}
	e.auditDecision(rc, item, answer, internalIDs)
	return out, nil
}

func (e *Engine) publicAnswer(ctx context.Context, rc *requestContext, item AccessRequestItem, typeEntry TypeEntry, externalOf map[int64]string) (AccessAnswer, error) {
	if item.ReturnType == ReturnDecision {
		if len(item.ExternalResourceIDs) > 0 {
			return AccessAnswer{IsDecision: true, Decision: len(externalOf) > 0}, nil
		}
		return AccessAnswer{IsDecision: true, Decision: true}, nil
	}
	if len(item.ExternalResourceIDs) > 0 {
		ids := make([]string, 0, len(externalOf))
		for _, ext := range externalOf {
			ids = append(ids, ext)
		}
		sort.Strings(ids)
		return AccessAnswer{ExternalIDs: ids}, nil
	}
	ids, err := withRetry(e, ctx, func() ([]string, error) {
		return e.resources.ListExternalIDs(ctx, rc.realm.ID, typeEntry.ID)
	})
	if err != nil {
		return AccessAnswer{}, err
	}
	return AccessAnswer{ExternalIDs: ids}, nil
}

func (e *Engine) executeSelection(ctx context.Context, rc *requestContext, item AccessRequestItem, typeEntry TypeEntry, sel selection, idFilter []int64, externalOf map[int64]string) (AccessAnswer, []int64, error) {
	if !sel.grantedAll && len(sel.clauses) == 0 {
		return denyAnswer(item.ReturnType), nil, nil
	}

	// A surviving conditional type-level grant with no resource leaves means
	// the predicate is satisfiable without touching any row only when it
	// reduced to TRUE; everything else goes to the store.
	pred, err := assemblePredicate(sel, rc.realm.ID, typeEntry.ID, rc.authDoc, idFilter)
	if err != nil {
		return AccessAnswer{}, nil, err
	}

	if item.ReturnType == ReturnDecision && len(idFilter) == 0 {
		if sel.grantedAll {
			return AccessAnswer{IsDecision: true, Decision: true}, nil, nil
		}
		exists, err := withRetry(e, ctx, func() (bool, error) {
			return e.resources.ExistsAuthorized(ctx, pred)
		})
		if err != nil {
			return AccessAnswer{}, nil, err
		}
		return AccessAnswer{IsDecision: true, Decision: exists}, nil, nil
	}

	ids, err := withRetry(e, ctx, func() ([]int64, error) {
		return e.resources.SelectAuthorizedIDs(ctx, pred)
	})
	if err != nil {
		return AccessAnswer{}, nil, err
	}

	if item.ReturnType == ReturnDecision {
		return AccessAnswer{IsDecision: true, Decision: len(ids) > 0}, ids, nil
	}

	var externals []string
	if len(idFilter) > 0 {
		// Preserve the caller's id order for the filtered case.
		authorized := make(map[int64]bool, len(ids))
		for _, id := range ids {
			authorized[id] = true
		}
		for _, ext := range item.ExternalResourceIDs {
			for rid, e2 := range externalOf {
				if e2 == ext && authorized[rid] {
					externals = append(externals, ext)
				}
			}
		}
	} else {
		// Reverse-map to external ids; resources without one are omitted.
		rev, err := withRetry(e, ctx, func() (map[int64]string, error) {
			return e.resources.ExternalIDsFor(ctx, rc.realm.ID, typeEntry.ID, ids)
		})
		if err != nil {
			return AccessAnswer{}, nil, err
		}
		for _, id := range ids {
			if ext, ok := rev[id]; ok {
				externals = append(externals, ext)
			}
		}
	}
	if externals == nil {
		externals = []string{}
	}
	return AccessAnswer{ExternalIDs: externals}, ids, nil
}

// ============================================================================
// AUTHORIZATION CONDITIONS
// ============================================================================

// GetAuthorizationConditions returns the residual filter for a (type,
// action) pair without executing any predicate: granted_all, denied_all, or
// the residual DSL referring only to resource attributes, ready to merge
// with an application query.
func (e *Engine) GetAuthorizationConditions(ctx context.Context, principal *Principal, realmName, resourceTypeName, actionName string, authContext map[string]any, roleNames []string) (*AuthorizationConditions, error) {
	rc, err := e.newRequestContext(ctx, principal, realmName, roleNames, authContext)
	if err != nil {
		return nil, err
	}
	typeEntry, okType := rc.realm.Type(resourceTypeName)
	actionID, okAction := rc.realm.ActionID(actionName)
	if !okType || !okAction {
		return nil, unknownEntityf("resource type %q or action %q", resourceTypeName, actionName)
	}
	if typeEntry.IsPublic {
		return &AuthorizationConditions{FilterType: FilterGrantedAll}, nil
	}
	candidates, err := withRetry(e, ctx, func() ([]*Rule, error) {
		return e.rules.Candidates(ctx, rc.realm.ID, typeEntry.ID, actionID, rc.subjects.PrincipalID, rc.subjects.RoleIDs)
	})
	if err != nil {
		return nil, err
	}

	var conds []*Condition
	var unconditionalIDs []int64
	hadContextRefs := false
	for _, rule := range candidates {
		if rule.Conditions.HasContextRefs() {
			hadContextRefs = true
		}
		res := Residualize(rule.Conditions, rc.principalDoc, rc.contextDoc)
		switch res.Verdict {
		case VerdictDeniedAll:
			continue
		case VerdictGrantedAll:
			if rule.TypeScoped() {
				return &AuthorizationConditions{FilterType: FilterGrantedAll, HasContextRefs: hadContextRefs}, nil
			}
			unconditionalIDs = append(unconditionalIDs, *rule.ResourceID)
		default:
			tree := res.Tree
			if !rule.TypeScoped() {
				ext, err := e.externalIDOf(ctx, rc.realm.ID, typeEntry.ID, *rule.ResourceID)
				if err != nil {
					return nil, err
				}
				if ext == "" {
					continue
				}
				tree = And(externalIDLeaf(OpEq, ext), res.Tree)
			}
			conds = append(conds, tree)
		}
	}

	if len(unconditionalIDs) > 0 {
		rev, err := withRetry(e, ctx, func() (map[int64]string, error) {
			return e.resources.ExternalIDsFor(ctx, rc.realm.ID, typeEntry.ID, unconditionalIDs)
		})
		if err != nil {
			return nil, err
		}
		exts := make([]string, 0, len(rev))
		for _, id := range unconditionalIDs {
			if ext, ok := rev[id]; ok {
				exts = append(exts, ext)
			}
		}
		if len(exts) > 0 {
			vals := make([]any, len(exts))
			for i, ext := range exts {
				vals[i] = ext
			}
			conds = append(conds, externalIDLeaf(OpIn, vals))
		}
	}

	switch len(conds) {
	case 0:
		return &AuthorizationConditions{FilterType: FilterDeniedAll}, nil
	case 1:
		return &AuthorizationConditions{FilterType: FilterConditions, ConditionsDSL: conds[0], HasContextRefs: hadContextRefs}, nil
	default:
		return &AuthorizationConditions{FilterType: FilterConditions, ConditionsDSL: Or(conds...), HasContextRefs: hadContextRefs}, nil
	}
}

func externalIDLeaf(op string, val any) *Condition {
	return &Condition{Op: op, Source: SourceResource, Attr: "external_id", Val: val}
}

func (e *Engine) externalIDOf(ctx context.Context, realmID, typeID, resourceID int64) (string, error) {
	rev, err := withRetry(e, ctx, func() (map[int64]string, error) {
		return e.resources.ExternalIDsFor(ctx, realmID, typeID, []int64{resourceID})
	})
	if err != nil {
		return "", err
	}
	return rev[resourceID], nil
}

// ============================================================================
// PERMITTED ACTIONS
// ============================================================================

// GetPermittedActions lists, per requested resource (or per type when no ids
// are given), the action names the principal may perform.
func (e *Engine) GetPermittedActions(ctx context.Context, principal *Principal, realmName string, items []PermittedActionsItem, authContext map[string]any, roleNames []string) ([]PermittedActionsResult, error) {
	rc, err := e.newRequestContext(ctx, principal, realmName, roleNames, authContext)
	if err != nil {
		return nil, err
	}
	var results []PermittedActionsResult
	for _, item := range items {
		typeEntry, okType := rc.realm.Type(item.ResourceTypeName)
		if !okType {
			results = append(results, emptyPermitted(item)...)
			continue
		}
		mappings, err := withRetry(e, ctx, func() (map[string]int64, error) {
			return e.resources.ResolveExternalIDs(ctx, rc.realm.ID, typeEntry.ID, item.ExternalResourceIDs)
		})
		if err != nil {
			return nil, err
		}

		typeActions := make(map[string]bool)
		perResource := make(map[string]map[string]bool)

		for _, actionName := range rc.realm.ActionNames() {
			actionID, _ := rc.realm.ActionID(actionName)
			if typeEntry.IsPublic {
				typeActions[actionName] = true
				continue
			}
			candidates, err := withRetry(e, ctx, func() ([]*Rule, error) {
				return e.rules.Candidates(ctx, rc.realm.ID, typeEntry.ID, actionID, rc.subjects.PrincipalID, rc.subjects.RoleIDs)
			})
			if err != nil {
				return nil, err
			}
			sel, err := selectRules(candidates, rc.principalDoc, rc.contextDoc)
			if err != nil {
				return nil, err
			}
			if sel.grantedAll {
				typeActions[actionName] = true
				continue
			}
			if len(sel.clauses) == 0 || len(mappings) == 0 {
				continue
			}
			var idFilter []int64
			for _, rid := range mappings {
				idFilter = append(idFilter, rid)
			}
			pred, err := assemblePredicate(sel, rc.realm.ID, typeEntry.ID, rc.authDoc, idFilter)
			if err != nil {
				return nil, err
			}
			ids, err := withRetry(e, ctx, func() ([]int64, error) {
				return e.resources.SelectAuthorizedIDs(ctx, pred)
			})
			if err != nil {
				return nil, err
			}
			authorized := make(map[int64]bool, len(ids))
			for _, id := range ids {
				authorized[id] = true
			}
			for ext, rid := range mappings {
				if authorized[rid] {
					if perResource[ext] == nil {
						perResource[ext] = make(map[string]bool)
					}
					perResource[ext][actionName] = true
				}
			}
		}

		if len(item.ExternalResourceIDs) == 0 {
			results = append(results, PermittedActionsResult{
				ResourceTypeName: item.ResourceTypeName,
				Actions:          sortedKeys(typeActions),
			})
			continue
		}
		for _, ext := range item.ExternalResourceIDs {
			merged := make(map[string]bool, len(typeActions))
			for a := range typeActions {
				merged[a] = true
			}
			for a := range perResource[ext] {
				merged[a] = true
			}
			results = append(results, PermittedActionsResult{
				ResourceTypeName:   item.ResourceTypeName,
				ExternalResourceID: ext,
				Actions:            sortedKeys(merged),
			})
		}
	}
	return results, nil
}

func emptyPermitted(item PermittedActionsItem) []PermittedActionsResult {
	if len(item.ExternalResourceIDs) == 0 {
		return []PermittedActionsResult{{ResourceTypeName: item.ResourceTypeName, Actions: []string{}}}
	}
	out := make([]PermittedActionsResult, 0, len(item.ExternalResourceIDs))
	for _, ext := range item.ExternalResourceIDs {
		out = append(out, PermittedActionsResult{
			ResourceTypeName:   item.ResourceTypeName,
			ExternalResourceID: ext,
			Actions:            []string{},
		})
	}
	return out
}

// ============================================================================
// HELPERS
// ============================================================================

func denyAnswer(rt ReturnType) AccessAnswer {
	if rt == ReturnDecision {
		return AccessAnswer{IsDecision: true}
	}
	return AccessAnswer{ExternalIDs: []string{}}
}

func listOrDecision(rt ReturnType, ids []string) AccessAnswer {
	if rt == ReturnDecision {
		return AccessAnswer{IsDecision: true, Decision: len(ids) > 0}
	}
	return AccessAnswer{ExternalIDs: ids}
}

func (e *Engine) auditDecision(rc *requestContext, item AccessRequestItem, answer AccessAnswer, internalIDs []int64) {
	decision := answer.Decision
	if !answer.IsDecision {
		decision = len(answer.ExternalIDs) > 0
	}
	e.audit.enqueue(AuditEntry{
		RealmID:             rc.realm.ID,
		PrincipalID:         rc.subjects.PrincipalID,
		ActionName:          item.ActionName,
		ResourceTypeName:    item.ResourceTypeName,
		Decision:            decision,
		ResourceIDs:         internalIDs,
		ExternalResourceIDs: answer.ExternalIDs,
	})
}

// withRetry runs a store call, retrying exactly once on failure. Context
// cancellation is never retried.
func withRetry[T any](e *Engine, ctx context.Context, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		var zero T
		return zero, mapCtxErr(ctxErr)
	}
	if errors.Is(err, ErrResourceExhausted) {
		// Pool exhaustion fails the request outright; retrying only adds load.
		var zero T
		return zero, err
	}
	if !e.storeRetry {
		var zero T
		return zero, storeFailure(err)
	}
	e.log.Debug("store call failed, retrying once", "error", err.Error())
	out, err = fn()
	if err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, mapCtxErr(ctxErr)
		}
		return zero, storeFailure(err)
	}
	return out, nil
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

