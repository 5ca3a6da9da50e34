// Package declarative parses YAML declarations of governed resources into
// the engine's resource graph. A declaration directory holds one or more
// resource YAML files (such as governance.yaml) and optionally a
// convention.yaml layered onto the graph after construction.
package declarative

// Document is the root of a governance declaration file.
type Document struct {
	APIVersion string `yaml:"apiVersion,omitempty"`

	Catalogs           []CatalogDoc           `yaml:"catalogs,omitempty"`
	StorageCredentials []StorageCredentialDoc `yaml:"storage_credentials,omitempty"`
	ExternalLocations  []ExternalLocationDoc  `yaml:"external_locations,omitempty"`
	Connections        []ConnectionDoc        `yaml:"connections,omitempty"`
}

// PrincipalDoc declares a principal reference.
type PrincipalDoc struct {
	Name                 string `yaml:"name"`
	Type                 string `yaml:"type"`
	AddEnvironmentSuffix *bool  `yaml:"add_environment_suffix,omitempty"`
}

// GrantDoc declares privileges for one principal.
type GrantDoc struct {
	Principal  PrincipalDoc `yaml:"principal"`
	Privileges []string     `yaml:"privileges"`
}

// TagDoc is a declared tag.
type TagDoc struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// BindingDoc declares a workspace binding.
type BindingDoc struct {
	WorkspaceID string `yaml:"workspace_id"`
	BindingType string `yaml:"binding_type,omitempty"`
}

// commonDoc holds the fields every resource declaration shares.
type commonDoc struct {
	Name              string        `yaml:"name"`
	Owner             *PrincipalDoc `yaml:"owner,omitempty"`
	Comment           string        `yaml:"comment,omitempty"`
	Tags              []TagDoc      `yaml:"tags,omitempty"`
	Grants            []GrantDoc    `yaml:"grants,omitempty"`
	Reference         bool          `yaml:"reference,omitempty"`
	IsolationMode     string        `yaml:"isolation_mode,omitempty"`
	WorkspaceBindings []BindingDoc  `yaml:"workspace_bindings,omitempty"`
	StorageLocation   string        `yaml:"storage_location,omitempty"`
}

// CatalogDoc declares a catalog and its children.
type CatalogDoc struct {
	commonDoc `yaml:",inline"`
	Schemas   []SchemaDoc `yaml:"schemas,omitempty"`
}

// SchemaDoc declares a schema and its children.
type SchemaDoc struct {
	commonDoc       `yaml:",inline"`
	Tables          []TableDoc          `yaml:"tables,omitempty"`
	Volumes         []VolumeDoc         `yaml:"volumes,omitempty"`
	Functions       []FunctionDoc       `yaml:"functions,omitempty"`
	Models          []ModelDoc          `yaml:"models,omitempty"`
	Spaces          []SpaceDoc          `yaml:"spaces,omitempty"`
	VectorEndpoints []VectorEndpointDoc `yaml:"vector_endpoints,omitempty"`
	VectorIndexes   []VectorIndexDoc    `yaml:"vector_indexes,omitempty"`
}

// ColumnDoc declares a table column.
type ColumnDoc struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Comment string `yaml:"comment,omitempty"`
}

// RowFilterDoc declares a direct table-level row filter.
type RowFilterDoc struct {
	Function     string   `yaml:"function"`
	InputColumns []string `yaml:"input_columns,omitempty"`
}

// ColumnMaskDoc declares a column mask binding.
type ColumnMaskDoc struct {
	Column       string   `yaml:"column"`
	Function     string   `yaml:"function"`
	ExtraColumns []string `yaml:"extra_columns,omitempty"`
}

// TableDoc declares a table.
type TableDoc struct {
	commonDoc   `yaml:",inline"`
	TableType   string            `yaml:"table_type,omitempty"`
	Columns     []ColumnDoc       `yaml:"columns,omitempty"`
	PartitionBy []string          `yaml:"partition_by,omitempty"`
	Properties  map[string]string `yaml:"properties,omitempty"`
	RowFilter   *RowFilterDoc     `yaml:"row_filter,omitempty"`
	ColumnMasks []ColumnMaskDoc   `yaml:"column_masks,omitempty"`
	SourcePath  string            `yaml:"source_path,omitempty"`
	FileFormat  string            `yaml:"file_format,omitempty"`
	ViewQuery   string            `yaml:"view_query,omitempty"`
}

// VolumeDoc declares a volume.
type VolumeDoc struct {
	commonDoc  `yaml:",inline"`
	VolumeType string `yaml:"volume_type,omitempty"`
}

// FunctionParamDoc declares one function parameter.
type FunctionParamDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FunctionDoc declares a SQL function.
type FunctionDoc struct {
	commonDoc    `yaml:",inline"`
	Kind         string             `yaml:"kind,omitempty"`
	Parameters   []FunctionParamDoc `yaml:"parameters,omitempty"`
	ReturnType   string             `yaml:"return_type,omitempty"`
	Definition   string             `yaml:"definition,omitempty"`
	IsRowFilter  bool               `yaml:"is_row_filter,omitempty"`
	IsColumnMask bool               `yaml:"is_column_mask,omitempty"`
}

// ModelDoc declares a registered model.
type ModelDoc struct {
	commonDoc `yaml:",inline"`
	Tier      int               `yaml:"tier,omitempty"`
	Stage     string            `yaml:"stage,omitempty"`
	Lineage   map[string]string `yaml:"lineage,omitempty"`
}

// SpaceDoc declares a conversational-analytics space.
type SpaceDoc struct {
	commonDoc    `yaml:",inline"`
	Description  string   `yaml:"description,omitempty"`
	TableRefs    []string `yaml:"table_refs,omitempty"`
	FunctionRefs []string `yaml:"function_refs,omitempty"`
	Warehouse    string   `yaml:"warehouse,omitempty"`
}

// VectorEndpointDoc declares a vector-search endpoint.
type VectorEndpointDoc struct {
	commonDoc    `yaml:",inline"`
	EndpointType string `yaml:"endpoint_type,omitempty"`
}

// VectorIndexDoc declares a vector-search index.
type VectorIndexDoc struct {
	commonDoc       `yaml:",inline"`
	Endpoint        string `yaml:"endpoint"`
	SourceTable     string `yaml:"source_table"`
	PrimaryKey      string `yaml:"primary_key,omitempty"`
	EmbeddingColumn string `yaml:"embedding_column,omitempty"`
	SyncMode        string `yaml:"sync_mode,omitempty"`
}

// StorageCredentialDoc declares a storage credential.
type StorageCredentialDoc struct {
	commonDoc `yaml:",inline"`
	Provider  string `yaml:"provider"`
	RoleARN   string `yaml:"role_arn,omitempty"`
	Identity  string `yaml:"identity,omitempty"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`
}

// ExternalLocationDoc declares an external location.
type ExternalLocationDoc struct {
	commonDoc  `yaml:",inline"`
	URL        string `yaml:"url"`
	Credential string `yaml:"credential"`
	ReadOnly   bool   `yaml:"read_only,omitempty"`
}

// ConnectionDoc declares a connection.
type ConnectionDoc struct {
	commonDoc      `yaml:",inline"`
	ConnectionType string            `yaml:"connection_type"`
	Options        map[string]string `yaml:"options,omitempty"`
}
