package domain

// Entity names a normalized table produced from the Flowix API. The value is
// both the mapping-file suffix (columns_<entity>) and the database table name.
type Entity string

const (
	Companies Entity = "companies"
	Timezones Entity = "timezones"
	Segments  Entity = "segments"
	Brands    Entity = "brands"
	Stores    Entity = "stores"
	Visits    Entity = "visits"
)

// Lookups are split out of the raw unit records in this order.
var Lookups = []Entity{Companies, Timezones, Segments, Brands}

// StoreTables is the write order for one units fetch. Lookup tables land
// before stores so that foreign keys on stores always resolve.
var StoreTables = []Entity{Companies, Timezones, Segments, Brands, Stores}

// All lists every entity in the mapping file.
var All = []Entity{Stores, Companies, Timezones, Segments, Brands, Visits}

// MappingKey returns the mapping-file key for the entity.
func (e Entity) MappingKey() string {
	return "columns_" + string(e)
}

// Store attribute columns normalized before the split.
const (
	ColumnCameras    = "cameras"
	ColumnPostalCode = "postal_code"
)

// Visit columns. ColumnID is synthesized from the registration date.
const (
	ColumnID               = "id"
	ColumnRegistrationDate = "registration_date"
)

// DefaultCompanyID is the company whose visits are pulled when none is given.
const DefaultCompanyID = 91
