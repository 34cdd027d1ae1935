package websocket

import "encoding/json"

// Client builds have shipped both snake_case and camelCase parameter keys,
// so every method accepts both spellings. snake_case wins when both appear.

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (p *InvokeParams) UnmarshalJSON(data []byte) error {
	type plain InvokeParams
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	var alias struct {
		Agent           string   `json:"agent"`
		AgentID         string   `json:"agentId"`
		ProjectPath     string   `json:"projectPath"`
		ResumeSessionID string   `json:"resumeSessionId"`
		ForkSession     bool     `json:"forkSession"`
		PermissionMode  string   `json:"permissionMode"`
		BypassMode      *bool    `json:"bypassMode"`
		AllowedTools    []string `json:"allowedTools"`
		DisallowedTools []string `json:"disallowedTools"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	p.AgentID = firstNonEmpty(p.AgentID, alias.Agent, alias.AgentID)
	p.ProjectPath = firstNonEmpty(p.ProjectPath, alias.ProjectPath)
	p.ResumeSessionID = firstNonEmpty(p.ResumeSessionID, alias.ResumeSessionID)
	p.PermissionMode = firstNonEmpty(p.PermissionMode, alias.PermissionMode)
	if !p.ForkSession {
		p.ForkSession = alias.ForkSession
	}
	if p.BypassMode == nil {
		p.BypassMode = alias.BypassMode
	}
	if len(p.AllowedTools) == 0 {
		p.AllowedTools = alias.AllowedTools
	}
	if len(p.DisallowedTools) == 0 {
		p.DisallowedTools = alias.DisallowedTools
	}
	return nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (p *sessionIDParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		SessionID    string `json:"session_id"`
		SessionIDAlt string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.SessionID = firstNonEmpty(aux.SessionID, aux.SessionIDAlt)
	return nil
}

type sessionMessageParams struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (p *sessionMessageParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		SessionID    string `json:"session_id"`
		SessionIDAlt string `json:"sessionId"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.SessionID = firstNonEmpty(aux.SessionID, aux.SessionIDAlt)
	p.Message = aux.Message
	return nil
}

type respondParams struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Option    string `json:"option"`
}

func (p *respondParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		SessionID    string `json:"session_id"`
		SessionIDAlt string `json:"sessionId"`
		RequestID    string `json:"request_id"`
		RequestIDAlt string `json:"requestId"`
		Option       string `json:"option"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.SessionID = firstNonEmpty(aux.SessionID, aux.SessionIDAlt)
	p.RequestID = firstNonEmpty(aux.RequestID, aux.RequestIDAlt)
	p.Option = aux.Option
	return nil
}

type projectParams struct {
	ProjectID string `json:"project_id"`
}

func (p *projectParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		ProjectID    string `json:"project_id"`
		ProjectIDAlt string `json:"projectId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.ProjectID = firstNonEmpty(aux.ProjectID, aux.ProjectIDAlt)
	return nil
}

type historyParams struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

func (p *historyParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		ProjectID    string `json:"project_id"`
		ProjectIDAlt string `json:"projectId"`
		SessionID    string `json:"session_id"`
		SessionIDAlt string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.ProjectID = firstNonEmpty(aux.ProjectID, aux.ProjectIDAlt)
	p.SessionID = firstNonEmpty(aux.SessionID, aux.SessionIDAlt)
	return nil
}

type bulkDeleteParams struct {
	ProjectID  string   `json:"project_id"`
	SessionIDs []string `json:"session_ids"`
}

func (p *bulkDeleteParams) UnmarshalJSON(data []byte) error {
	var aux struct {
		ProjectID     string   `json:"project_id"`
		ProjectIDAlt  string   `json:"projectId"`
		SessionIDs    []string `json:"session_ids"`
		SessionIDsAlt []string `json:"sessionIds"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.ProjectID = firstNonEmpty(aux.ProjectID, aux.ProjectIDAlt)
	p.SessionIDs = aux.SessionIDs
	if len(p.SessionIDs) == 0 {
		p.SessionIDs = aux.SessionIDsAlt
	}
	return nil
}
