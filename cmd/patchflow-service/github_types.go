// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

// Minimal GitHub webhook payload shapes — only the fields the
// reconciler consumes. Unknown fields are ignored by encoding/json,
// which is what we want for payloads GitHub extends over time.

type ghPullRequestPayload struct {
	Action      string        `json:"action"`
	Number      int           `json:"number"`
	PullRequest ghPullRequest `json:"pull_request"`
}

type ghPullRequest struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	Title  string `json:"title"`
}

type ghCheckRunPayload struct {
	Action   string     `json:"action"`
	CheckRun ghCheckRun `json:"check_run"`
}

type ghCheckRun struct {
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion"`
	HeadSHA      string     `json:"head_sha"`
	PullRequests []ghPRStub `json:"pull_requests"`
}

type ghPRStub struct {
	Number int `json:"number"`
}

type ghDeploymentStatusPayload struct {
	DeploymentStatus ghDeploymentStatus `json:"deployment_status"`
	Deployment       ghDeployment       `json:"deployment"`
}

type ghDeploymentStatus struct {
	State       string `json:"state"`
	Environment string `json:"environment"`
	TargetURL   string `json:"target_url"`
}

type ghDeployment struct {
	SHA         string `json:"sha"`
	Environment string `json:"environment"`
}
