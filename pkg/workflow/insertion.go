package workflow

// Signature insertion stage: records placement metadata for files that need
// it before signing can begin. No rendering happens here; stamping the
// visible signature onto the document is an external concern.

// InsertSignatures validates and stores the placement map and advances the
// process to signatures_inserted. positions maps file id to the placement
// descriptors for that file.
func (m *Machine) InsertSignatures(ev *Evidence, positions map[string][]SignaturePosition, actor Actor) error {
	if ev.Status != StatusPendingApproval {
		return Errf(KindStateConflict, "evidence %s is %s, signature positions can only be inserted while pending approval", ev.ID, ev.Status)
	}
	proc := ev.Signing
	if proc == nil {
		return Errf(KindStateConflict, "evidence %s has no signing process", ev.ID)
	}
	if !actor.mayManage(ev) {
		return Errf(KindForbidden, "user %s may not insert signature positions for evidence %s", actor.UserID, ev.ID)
	}
	if err := m.validatePositions(ev, positions); err != nil {
		return err
	}

	now := m.clock().UTC()
	proc.Positions = positions
	proc.InsertedAt = &now
	proc.InsertedBy = actor.UserID
	proc.Status = ProcessSignaturesInserted
	ev.Status = StatusSignaturesInserted
	ev.UpdatedAt = now
	return nil
}

func (m *Machine) validatePositions(ev *Evidence, positions map[string][]SignaturePosition) error {
	if len(positions) == 0 {
		return Errf(KindValidation, "at least one file must receive signature positions")
	}

	filesByID := make(map[string]FileDescriptor, len(ev.Files))
	for _, f := range ev.Files {
		filesByID[f.ID] = f
	}
	signerIDs := make(map[string]bool, len(ev.Signing.Signers))
	for _, s := range ev.Signing.Signers {
		signerIDs[s.UserID] = true
	}

	for fileID, placements := range positions {
		f, ok := filesByID[fileID]
		if !ok {
			return Errf(KindValidation, "file %s does not belong to evidence %s", fileID, ev.ID)
		}
		if !m.RequiresPlacement(f.MimeType) {
			return Errf(KindValidation, "file %s (%s) does not take signature placement", fileID, f.MimeType)
		}
		if len(placements) == 0 {
			return Errf(KindValidation, "file %s has no placement descriptors", fileID)
		}
		for _, p := range placements {
			if !signerIDs[p.SignerID] {
				return Errf(KindValidation, "placement references %s, who is not a signer", p.SignerID)
			}
			if p.Page < 1 {
				return Errf(KindValidation, "placement for %s in file %s has invalid page %d", p.SignerID, fileID, p.Page)
			}
			if p.Width <= 0 || p.Height <= 0 {
				return Errf(KindValidation, "placement for %s in file %s has non-positive dimensions", p.SignerID, fileID)
			}
		}
	}
	return nil
}
