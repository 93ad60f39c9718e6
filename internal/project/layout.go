package project

import "path"

// Layout describes where things live inside an environment.
type Layout struct {
	User               string
	HomeDir            string
	AgentDir           string
	MountPoint         string
	ConfigDirName      string
	AnswersDirName     string
	AttachmentsDirName string
}

// AppDir is the working tree of the project inside the environment.
func (l Layout) AppDir(k Key) string {
	return path.Join(l.HomeDir, k.ProjectID)
}

// ConfigDir is the agent configuration directory.
func (l Layout) ConfigDir() string {
	return path.Join(l.HomeDir, l.ConfigDirName)
}

// AnswersDir is the well-known directory where submitted answers are written.
// It sits outside the working tree so answers never reach a snapshot.
func (l Layout) AnswersDir(k Key) string {
	return path.Join(l.HomeDir, l.AnswersDirName, k.ProjectID)
}

// AnswerFile is the file a given question's answers are written to.
func (l Layout) AnswerFile(k Key, toolUseID string) string {
	return path.Join(l.AnswersDir(k), toolUseID+".json")
}

// AttachmentsDir is the directory attachments are decoded into. Like
// AnswersDir it is kept out of the working tree.
func (l Layout) AttachmentsDir(k Key) string {
	return path.Join(l.HomeDir, l.AttachmentsDirName, k.ProjectID)
}

// BundlePath is the scratch location of a downloaded snapshot.
func (l Layout) BundlePath(k Key) string {
	return path.Join("/tmp", k.ProjectID+".bundle")
}

// AgentPIDFile records the pid of the project's running agent process.
func (l Layout) AgentPIDFile(k Key) string {
	return path.Join("/tmp", "agent-"+k.ProjectID+".pid")
}

// CredentialFile is the s3fs password file.
func (l Layout) CredentialFile() string {
	return "/root/.passwd-s3fs"
}
