// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"strings"
)

// Repo identifies a repository by owner and name.
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo splits an "owner/name" repository reference.
func ParseRepo(reference string) (Repo, error) {
	owner, name, found := strings.Cut(reference, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("forge: repository must be \"owner/name\" (got %q)", reference)
	}
	return Repo{Owner: owner, Name: name}, nil
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// Repository is repository metadata from the forge API.
type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Private       bool   `json:"private"`
}

// GetRepository retrieves repository metadata. The pipeline uses the
// default branch as the pull request base.
func (client *Client) GetRepository(ctx context.Context, repo Repo) (*Repository, error) {
	var repository Repository
	path := fmt.Sprintf("/repos/%s/%s", repo.Owner, repo.Name)
	if err := client.get(ctx, path, &repository); err != nil {
		return nil, fmt.Errorf("getting repository %s: %w", repo, err)
	}
	return &repository, nil
}
