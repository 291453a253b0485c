package store

import (
	"context"
	"fmt"
)

// UserResource grants a user's tasks visibility into an external path
// (a watched folder, a mailbox, a shared drive mount) with a permission
// level the Prompt Builder surfaces to the agent and the Executor
// enforces at sandbox-mount time.
type UserResource struct {
	ID           int64
	UserID       string
	ResourceType string
	ResourcePath string
	Permissions  string
	DisplayName  string
}

// UpsertUserResource registers or updates a resource grant for a user.
func (s *Store) UpsertUserResource(ctx context.Context, userID, resourceType, resourcePath, permissions, displayName string) (*UserResource, error) {
	if userID == "" || resourceType == "" || resourcePath == "" {
		return nil, fmt.Errorf("upsert user resource: %w: user_id, resource_type and resource_path are required", ErrInvariant)
	}
	if permissions == "" {
		permissions = "read"
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_resources (user_id, resource_type, resource_path, permissions, display_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_type, resource_path)
		DO UPDATE SET permissions = excluded.permissions, display_name = excluded.display_name
		RETURNING id;
	`, userID, resourceType, resourcePath, permissions, nullableString(displayName)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert user resource: %w", err)
	}
	return &UserResource{
		ID: id, UserID: userID, ResourceType: resourceType, ResourcePath: resourcePath,
		Permissions: permissions, DisplayName: displayName,
	}, nil
}

// ListUserResources returns every resource granted to a user, optionally
// filtered by resource type.
func (s *Store) ListUserResources(ctx context.Context, userID, resourceType string) ([]*UserResource, error) {
	query := `SELECT id, user_id, resource_type, resource_path, permissions, display_name FROM user_resources WHERE user_id = ?`
	args := []any{userID}
	if resourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, resourceType)
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list user resources: %w", err)
	}
	defer rows.Close()

	var resources []*UserResource
	for rows.Next() {
		var r UserResource
		var displayName *string
		if err := rows.Scan(&r.ID, &r.UserID, &r.ResourceType, &r.ResourcePath, &r.Permissions, &displayName); err != nil {
			return nil, fmt.Errorf("list user resources: scan: %w", err)
		}
		if displayName != nil {
			r.DisplayName = *displayName
		}
		resources = append(resources, &r)
	}
	return resources, rows.Err()
}

// RemoveUserResource revokes a resource grant.
func (s *Store) RemoveUserResource(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_resources WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("remove user resource %d: %w", id, err)
	}
	return nil
}
