package fs

// Cred is the identity checked against permission bits. A session holds
// one Cred and passes it to every backend call.
type Cred struct {
	UID  int
	GID  int
	SUID int
	SGID int
	EUID int
	EGID int
}

// RootCred is the superuser credential.
var RootCred = Cred{}

// UserCred returns a credential whose real, saved and effective ids are
// all uid and gid.
func UserCred(uid, gid int) Cred {
	return Cred{UID: uid, GID: gid, SUID: uid, SGID: gid, EUID: uid, EGID: gid}
}

// IsRoot reports whether c bypasses permission checks.
func (c Cred) IsRoot() bool {
	return c.EUID == 0 || c.EGID == 0
}
