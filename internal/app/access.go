package app

import (
	"context"

	"forum/api/internal/store"
)

// The access rule is the same everywhere: an open category is readable
// by anyone, a restricted one only by admins and explicitly granted
// members.

func (s *Service) requireLogin(viewer Session) error {
	if !viewer.loggedIn() {
		return domainError(401, "NOT_AUTHORIZED", "Authentication required", nil)
	}
	return nil
}

func (s *Service) requireAdmin(viewer Session) error {
	if err := s.requireLogin(viewer); err != nil {
		return err
	}
	if !viewer.Admin {
		return domainError(403, "NOT_AUTHORIZED", "Admin access required", nil)
	}
	return nil
}

func (s *Service) canAccessCategory(ctx context.Context, viewer Session, category store.Category) (bool, error) {
	if !category.Restricted || viewer.Admin {
		return true, nil
	}
	if !viewer.loggedIn() {
		return false, nil
	}
	return s.store.HasPermission(ctx, category.ID, viewer.UserID)
}

// requireCategoryAccess loads a category and rejects viewers that may
// not see it.
func (s *Service) requireCategoryAccess(ctx context.Context, viewer Session, categoryID string) (store.Category, error) {
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return store.Category{}, err
	}
	allowed, err := s.canAccessCategory(ctx, viewer, category)
	if err != nil {
		return store.Category{}, err
	}
	if !allowed {
		return store.Category{}, domainError(403, "NOT_AUTHORIZED", "You do not have access to this category", nil)
	}
	return category, nil
}

func (s *Service) visibleCategories(ctx context.Context, viewer Session, overviews []store.CategoryOverview) ([]store.CategoryOverview, error) {
	if viewer.Admin {
		return overviews, nil
	}

	var granted map[string]bool
	if viewer.loggedIn() {
		var err error
		granted, err = s.store.ListGrantedCategoryIDs(ctx, viewer.UserID)
		if err != nil {
			return nil, err
		}
	}

	visible := make([]store.CategoryOverview, 0, len(overviews))
	for _, overview := range overviews {
		if overview.Restricted && !granted[overview.ID] {
			continue
		}
		visible = append(visible, overview)
	}
	return visible, nil
}

// accessibleCategorySet is used to post-filter search results so a hit
// in a restricted category never leaks to an unauthorized viewer.
func (s *Service) accessibleCategorySet(ctx context.Context, viewer Session) (map[string]bool, error) {
	overviews, err := s.store.ListCategoryOverviews(ctx)
	if err != nil {
		return nil, err
	}
	visible, err := s.visibleCategories(ctx, viewer, overviews)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(visible))
	for _, overview := range visible {
		set[overview.ID] = true
	}
	return set, nil
}
