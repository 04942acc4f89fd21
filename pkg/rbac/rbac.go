package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// 权限常量
const (
	// 管理员操作
	PermissionCreateProject  = "project:create"
	PermissionAddMilestone   = "milestone:add"
	PermissionApproveRelease = "milestone:approve"
	PermissionManageRoles    = "role:manage"
	PermissionReplayOutbox   = "outbox:replay"

	// 核验员操作
	PermissionVerifyMilestone = "milestone:verify"
)

// Role 角色名
type Role string

// 角色常量
const (
	RoleAdmin    Role = "admin"
	RoleVerifier Role = "verifier"
)

// 角色权限映射。承包商不是角色，由项目自身的 contractor 字段授权。
var rolePermissions = map[Role][]string{
	RoleAdmin: {
		PermissionCreateProject,
		PermissionAddMilestone,
		PermissionApproveRelease,
		PermissionManageRoles,
		PermissionReplayOutbox,
	},
	RoleVerifier: {
		PermissionVerifyMilestone,
	},
}

var (
	ErrUnknownRole     = errors.New("unknown role")
	ErrLastAdmin       = errors.New("cannot remove last admin")
	ErrEmptyPrincipal  = errors.New("principal is empty")
	ErrNoAdministrator = errors.New("registry needs at least one admin")
)

// Principal 已认证调用方的身份（地址）
type Principal string

// NormalizePrincipal 去除空白并转为小写，地址比较大小写无关
func NormalizePrincipal(s string) Principal {
	return Principal(strings.ToLower(strings.TrimSpace(s)))
}

// Grant 一条角色授予记录
type Grant struct {
	Principal Principal `json:"principal"`
	Role      Role      `json:"role"`
}

// ValidRole 检查角色是否已定义
func ValidRole(role Role) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Registry 角色注册表，由账本显式持有并注入，不是进程级全局变量
type Registry struct {
	mu      sync.RWMutex
	members map[Role]map[Principal]struct{}
}

// NewRegistry 创建注册表，admin 是部署时指定的初始管理员
func NewRegistry(admin Principal, verifiers ...Principal) (*Registry, error) {
	grants := []Grant{{Principal: admin, Role: RoleAdmin}}
	for _, v := range verifiers {
		grants = append(grants, Grant{Principal: v, Role: RoleVerifier})
	}
	return NewRegistryFromGrants(grants)
}

// NewRegistryFromGrants 从持久化的授予记录重建注册表
func NewRegistryFromGrants(grants []Grant) (*Registry, error) {
	r := &Registry{members: make(map[Role]map[Principal]struct{})}
	for role := range rolePermissions {
		r.members[role] = make(map[Principal]struct{})
	}
	for _, g := range grants {
		g.Principal = NormalizePrincipal(string(g.Principal))
		if err := validateGrant(g); err != nil {
			return nil, err
		}
		r.members[g.Role][g.Principal] = struct{}{}
	}
	if len(r.members[RoleAdmin]) == 0 {
		return nil, ErrNoAdministrator
	}
	return r, nil
}

func validateGrant(g Grant) error {
	if g.Principal == "" {
		return ErrEmptyPrincipal
	}
	if !ValidRole(g.Role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, g.Role)
	}
	return nil
}

// HasRole 检查 principal 是否持有角色
func (r *Registry) HasRole(p Principal, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[role][p]
	return ok
}

// HasPermission 检查 principal 是否有指定权限
func (r *Registry) HasPermission(p Principal, permission string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for role, permissions := range rolePermissions {
		if _, ok := r.members[role][p]; !ok {
			continue
		}
		for _, perm := range permissions {
			if perm == permission {
				return true
			}
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func (r *Registry) CheckPermission(p Principal, permission string) error {
	if !r.HasPermission(p, permission) {
		return &PermissionDeniedError{
			Principal:  p,
			Permission: permission,
		}
	}
	return nil
}

// CanRevoke 检查撤销是否会导致没有管理员
func (r *Registry) CanRevoke(g Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if g.Role != RoleAdmin {
		return nil
	}
	admins := r.members[RoleAdmin]
	if _, ok := admins[g.Principal]; ok && len(admins) == 1 {
		return ErrLastAdmin
	}
	return nil
}

// Add 写入授予记录，调用方负责权限检查
func (r *Registry) Add(g Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[g.Role][g.Principal] = struct{}{}
	return nil
}

// Remove 删除授予记录，不允许移除最后一个管理员
func (r *Registry) Remove(g Grant) error {
	if err := r.CanRevoke(g); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[g.Role], g.Principal)
	return nil
}

// Members 返回某个角色的全部成员（排序后）
func (r *Registry) Members(role Role) []Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Principal, 0, len(r.members[role]))
	for p := range r.members[role] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grants 返回全部授予记录，用于持久化初始种子
func (r *Registry) Grants() []Grant {
	var out []Grant
	for _, role := range []Role{RoleAdmin, RoleVerifier} {
		for _, p := range r.Members(role) {
			out = append(out, Grant{Principal: p, Role: role})
		}
	}
	return out
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Principal  Principal
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("insufficient permissions: %s requires %s", e.Principal, e.Permission)
}
