package mssql

import "strings"

// portableTypes maps SQL Server type names onto the names the postgres
// discoverer reports. Unlisted types pass through upper-cased.
var portableTypes = map[string]string{
	"INT":              "INTEGER",
	"DECIMAL":          "NUMERIC",
	"SMALLMONEY":       "MONEY",
	"FLOAT":            "DOUBLE PRECISION",
	"NCHAR":            "CHAR",
	"NVARCHAR":         "VARCHAR",
	"NTEXT":            "TEXT",
	"BINARY":           "BYTEA",
	"VARBINARY":        "BYTEA",
	"IMAGE":            "BLOB",
	"DATETIME":         "TIMESTAMP",
	"DATETIME2":        "TIMESTAMP",
	"SMALLDATETIME":    "TIMESTAMP",
	"DATETIMEOFFSET":   "TIMESTAMP WITH TIME ZONE",
	"BIT":              "BOOLEAN",
	"UNIQUEIDENTIFIER": "UUID",
}

func mapSQLServerType(sqlServerType string) string {
	upper := strings.ToUpper(sqlServerType)
	if mapped, ok := portableTypes[upper]; ok {
		return mapped
	}
	return upper
}
