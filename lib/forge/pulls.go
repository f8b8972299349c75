// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
)

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// PullRequest is an opened pull request, trimmed to the fields the
// pipeline records.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// CreatePullRequest opens a pull request from the pushed branch. The
// returned pull request carries the number, URL, and head SHA the
// pipeline records for webhook correlation.
func (client *Client) CreatePullRequest(ctx context.Context, repo Repo, newPR NewPullRequest) (*PullRequest, error) {
	if newPR.Title == "" {
		return nil, fmt.Errorf("forge: pull request title is required")
	}
	if newPR.Head == "" || newPR.Base == "" {
		return nil, fmt.Errorf("forge: pull request head and base branches are required")
	}

	var pullRequest PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", repo.Owner, repo.Name)
	if err := client.post(ctx, path, newPR, &pullRequest); err != nil {
		return nil, fmt.Errorf("creating PR %s (%s -> %s): %w", repo, newPR.Head, newPR.Base, err)
	}
	return &pullRequest, nil
}

// GetPullRequest retrieves a single pull request by number.
func (client *Client) GetPullRequest(ctx context.Context, repo Repo, number int) (*PullRequest, error) {
	var pullRequest PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Name, number)
	if err := client.get(ctx, path, &pullRequest); err != nil {
		return nil, fmt.Errorf("getting PR %s#%d: %w", repo, number, err)
	}
	return &pullRequest, nil
}
