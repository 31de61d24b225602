package server

func (d *dispatcher) handleCallStart(cmd command) ([]string, error) {
	convID, err := parseID(cmd.Fields[0], "conversation id")
	if err != nil {
		return nil, err
	}
	callType, err := ParseCallType(cmd.Fields[1])
	if err != nil {
		return nil, err
	}

	sess, err := d.s.calls.StartCall(convID, d.user, callType)
	if err != nil {
		return nil, err
	}
	return []string{sess.ID, sess.RelayAddr}, nil
}

func (d *dispatcher) handleCallAnswer(cmd command) ([]string, error) {
	sess, err := d.s.calls.AnswerCall(cmd.Fields[0], d.user)
	if err != nil {
		return nil, err
	}
	return []string{sess.ID, sess.RelayAddr, string(sess.Type)}, nil
}

func (d *dispatcher) handleCallReject(cmd command) ([]string, error) {
	if err := d.s.calls.RejectCall(cmd.Fields[0], d.user); err != nil {
		return nil, err
	}
	return []string{cmd.Fields[0]}, nil
}

// handleCallEnd succeeds for calls that are already gone
func (d *dispatcher) handleCallEnd(cmd command) ([]string, error) {
	ended, err := d.s.calls.EndCall(cmd.Fields[0], d.user)
	if err != nil {
		return nil, err
	}
	if !ended {
		d.logger.Debug().Str("call", cmd.Fields[0]).Msg("end of unknown call")
	}
	return []string{cmd.Fields[0]}, nil
}
