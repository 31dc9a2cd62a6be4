package config

// rootConfig is the ".kiln/config" YAML document: the server list and
// the name of the project-wide default environment.
type rootConfig struct {
	DefaultEnv string         `yaml:"default_env"`
	Servers    []serverRecord `yaml:"servers"`
}

type serverRecord struct {
	Name            string  `yaml:"name"`
	URL             string  `yaml:"url"`
	Cachable        bool    `yaml:"cachable"`
	CacheLocally    bool    `yaml:"cache_locally"`
	IsLocal         bool    `yaml:"is_local"`
	Writeback       bool    `yaml:"writeback"`
	PushPermissions *string `yaml:"push_permissions"`
}

// fileRefRecord mirrors model.FileRef.
type fileRefRecord struct {
	Server   string `yaml:"server"`
	Location string `yaml:"location"`
	SHA1     string `yaml:"sha1"`
	TarType  string `yaml:"tar_type"`
	Unpack   bool   `yaml:"unpack"`
	Patch    bool   `yaml:"patch"`
}

// sourceRecord is one "sources/<name>.yaml" document.
type sourceRecord struct {
	Type     string          `yaml:"type"`
	Licences []string        `yaml:"licences"`
	Env      string          `yaml:"env"`
	Server   string          `yaml:"server"`

	Location    string `yaml:"location"`
	Branch      string `yaml:"branch"`
	Tag         string `yaml:"tag"`
	CheckRemote bool   `yaml:"check_remote"`

	Files []fileRefRecord `yaml:"files"`
}

// resultRecord is one "results/<name>.yaml" document. ScriptFile is a
// path relative to the record's own directory, read into
// model.Result.Script as opaque bytes — kept out of the YAML body itself
// so build scripts stay ordinary, shell-lintable files rather than
// escaped YAML string blocks.
type resultRecord struct {
	Sources      []string `yaml:"sources"`
	ChrootGroups []string `yaml:"chroot_groups"`
	Depends      []string `yaml:"depends"`
	Env          string   `yaml:"env"`
	ScriptFile   string   `yaml:"script_file"`
}

// chrootGroupRecord is one "chroot/<name>.yaml" document.
type chrootGroupRecord struct {
	Files           []fileRefRecord `yaml:"files"`
	GroupIDOverride string          `yaml:"group_id_override"`
}

// licenceRecord is one "licences/<name>.yaml" document.
type licenceRecord struct {
	Files []fileRefRecord `yaml:"files"`
}

// envRecord is one "env/<name>.yaml" document: a flat string map. The
// loader sets its keys on the model.Environment in sorted order.
type envRecord map[string]string
