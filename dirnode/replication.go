package dirnode

// IsSafeReplacement reports whether replacing old with new in an
// appendable directory may proceed without the agreement capability.
func IsSafeReplacement(old, new Entry) bool {
	switch {
	case old.Master && old.Type == Stub && new.Master:
		return true
	case old.Master && new.Master && new.Type == Ghost:
		return true
	case !old.Master && !new.Master && (new.Type == Ghost || new.Type == Stub):
		return true
	default:
		return false
	}
}

// IsSafeNewEntry reports whether creating a brand new (non-
// replacement) entry in an appendable directory may proceed without
// the agreement capability: the directory must be master and the new
// entry must be master.
func IsSafeNewEntry(directoryMaster, newMaster bool) bool {
	return directoryMaster && newMaster
}
