package ticket

import "maps"

// Clone returns a deep copy of the ticket. Stores hand out clones so that
// callers can never mutate stored state in place.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = cloneStrings(t.Dependencies)
	c.Children = cloneStrings(t.Children)
	c.CommitRefs = cloneStrings(t.CommitRefs)
	c.Defer = t.Defer.clone()
	c.Validation = t.Validation.clone()

	if t.Tasks != nil {
		c.Tasks = make([]Task, len(t.Tasks))
		for i := range t.Tasks {
			c.Tasks[i] = t.Tasks[i].clone()
		}
	}
	if t.Components != nil {
		c.Components = make([]Component, len(t.Components))
		for i := range t.Components {
			c.Components[i] = t.Components[i].clone()
		}
	}
	if t.StateHistory != nil {
		c.StateHistory = append([]HistoryEntry(nil), t.StateHistory...)
	}
	return &c
}

func (task Task) clone() Task {
	c := task
	c.Check = task.Check.clone()
	c.Defer = task.Defer.clone()
	if task.AutoFix != nil {
		c.AutoFix = Bool(*task.AutoFix)
	}
	return c
}

func (comp Component) clone() Component {
	c := comp
	if comp.CheckpointID != nil {
		c.CheckpointID = String(*comp.CheckpointID)
	}
	c.TaskIDs = cloneStrings(comp.TaskIDs)
	c.Files = cloneStrings(comp.Files)
	return c
}

func (d *DeferRecord) clone() *DeferRecord {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func (v *ValidationConfig) clone() *ValidationConfig {
	if v == nil {
		return nil
	}
	c := *v
	if v.AutoFix != nil {
		c.AutoFix = Bool(*v.AutoFix)
	}
	if v.Steps != nil {
		c.Steps = append([]VerificationStep(nil), v.Steps...)
	}
	c.Check = v.Check.clone()
	return &c
}

func (ch *Check) clone() *Check {
	if ch == nil {
		return nil
	}
	c := Check{}
	if ch.Generic != nil {
		g := GenericCheck{Steps: append([]VerificationStep(nil), ch.Generic.Steps...)}
		c.Generic = &g
	}
	if ch.StateFlow != nil {
		s := *ch.StateFlow
		s.Effects = append([]Effect(nil), ch.StateFlow.Effects...)
		c.StateFlow = &s
	}
	if ch.Content != nil {
		ct := *ch.Content
		ct.Variables = maps.Clone(ch.Content.Variables)
		if ch.Content.EdgeCases != nil {
			ct.EdgeCases = make([]EdgeCase, len(ch.Content.EdgeCases))
			for i, e := range ch.Content.EdgeCases {
				e.Overrides = maps.Clone(e.Overrides)
				ct.EdgeCases[i] = e
			}
		}
		c.Content = &ct
	}
	if ch.Interactive != nil {
		in := *ch.Interactive
		in.Files = cloneStrings(ch.Interactive.Files)
		c.Interactive = &in
	}
	if ch.Integration != nil {
		ig := *ch.Integration
		ig.Dependencies = append([]Dependency(nil), ch.Integration.Dependencies...)
		ig.Strategies = cloneStrings(ch.Integration.Strategies)
		ig.Files = cloneStrings(ch.Integration.Files)
		c.Integration = &ig
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
