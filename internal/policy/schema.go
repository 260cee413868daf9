package policy

// firmPolicySchema is the JSON Schema every policy document must pass
// before a snapshot is built from it.
const firmPolicySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "projects"],
  "properties": {
    "schemaVersion": { "type": "integer", "minimum": 1 },
    "monitoring": {
      "type": "object",
      "properties": {
        "watchRoots": { "type": "array", "items": { "type": "string" } },
        "candidateRoots": { "type": "array", "items": { "type": "string" } },
        "managedExtensions": { "type": "array", "items": { "type": "string" } },
        "reconcileIntervalSeconds": { "type": "integer", "minimum": 0 },
        "pathAliases": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "ignorePatterns": { "type": "array", "items": { "type": "string" } },
    "suppression": {
      "type": "object",
      "properties": {
        "cooldownSeconds": { "type": "integer", "minimum": 0 },
        "renameClusterMs": { "type": "integer", "minimum": 0 },
        "recentOperationTtlMinutes": { "type": "integer", "minimum": 0 }
      }
    },
    "stability": {
      "type": "object",
      "properties": {
        "minAgeSeconds": { "type": "integer" },
        "quietWindowSeconds": { "type": "integer" },
        "requiredChecks": { "type": "integer", "minimum": 0 },
        "pollIntervalMs": { "type": "integer", "minimum": 0 },
        "requireUnlocked": { "type": "boolean" },
        "copySafeOpen": { "type": "boolean" }
      }
    },
    "conflict": {
      "type": "object",
      "properties": {
        "versionSuffixTemplate": { "type": "string" }
      }
    },
    "projects": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "pathMatchers"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "displayName": { "type": "string" },
          "pathMatchers": { "type": "array", "items": { "type": "string" }, "minItems": 1 },
          "workingRoots": { "type": "array", "items": { "type": "string" } },
          "officialDestinations": {
            "type": "object",
            "properties": {
              "cadPublish": { "type": "string" },
              "plotSets": { "type": "string" },
              "pdfCategories": { "type": "object", "additionalProperties": { "type": "string" } }
            }
          },
          "defaults": {
            "type": "object",
            "properties": {
              "pdfAction": { "type": "string" },
              "cadAction": { "type": "string" },
              "defaultPdfCategory": { "type": "string" },
              "officialDestinationMode": { "enum": ["monitor_no_prompt", "prompt_enabled"] }
            }
          },
          "connector": {
            "type": "object",
            "properties": {
              "enabled": { "type": "boolean" },
              "provider": { "type": "string" },
              "settings": { "type": "object", "additionalProperties": { "type": "string" } }
            }
          }
        }
      }
    }
  }
}`
