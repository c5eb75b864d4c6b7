package client

import "docsync/pkg/protocol"

func (c *Client) onDocumentState(env protocol.Envelope) error {
	var st protocol.DocumentState
	if err := env.Decode(&st); err != nil {
		return err
	}
	if st.Title == "" {
		st.Title = protocol.DefaultTitle
	}
	if c.h.OnDocumentState != nil {
		c.h.OnDocumentState(st)
	}
	return nil
}

func (c *Client) onRemoteOperation(env protocol.Envelope) error {
	var op protocol.RemoteOperation
	if err := env.Decode(&op); err != nil {
		return err
	}
	if c.h.OnRemoteOperation != nil {
		c.h.OnRemoteOperation(op.Operation)
	}
	return nil
}

func (c *Client) onTitleUpdated(env protocol.Envelope) error {
	var title string
	if err := env.Decode(&title); err != nil {
		return err
	}
	if c.h.OnTitleUpdated != nil {
		c.h.OnTitleUpdated(title)
	}
	return nil
}

func (c *Client) onCollaborators(env protocol.Envelope) error {
	var ps []protocol.Participant
	if err := env.Decode(&ps); err != nil {
		return err
	}
	if c.h.OnCollaboratorsUpdated != nil {
		c.h.OnCollaboratorsUpdated(ps)
	}
	return nil
}

func (c *Client) onDocumentSaved(env protocol.Envelope) error {
	var saved protocol.DocumentSaved
	if err := env.Decode(&saved); err != nil {
		return err
	}
	if c.h.OnDocumentSaved != nil {
		c.h.OnDocumentSaved(saved.LastSaved)
	}
	return nil
}

func (c *Client) onError(env protocol.Envelope) error {
	var pe protocol.Error
	if err := env.Decode(&pe); err != nil {
		return err
	}
	// fatal errors end the join; the rest leave the connection healthy
	c.mu.Lock()
	if pe.Fatal {
		c.connErr = pe.Message
	} else {
		c.warning = pe.Message
	}
	c.mu.Unlock()
	if c.h.OnError != nil {
		c.h.OnError(&pe)
	}
	return nil
}
